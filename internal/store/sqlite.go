package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteBackend persists sessions to SQLite, one row per session and one per
// stage, rewritten in a single transaction on every save.
type SQLiteBackend struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	created_at      TEXT NOT NULL,
	expected_stages TEXT NOT NULL DEFAULT '[]',
	schema_version  INTEGER NOT NULL DEFAULT 0,
	saved_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
	session_id TEXT NOT NULL,
	stage_id   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	raw        TEXT,
	canonical  TEXT,
	manifest   TEXT NOT NULL DEFAULT '[]',
	error      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, stage_id)
);
`

type sessionRow struct {
	SessionID      string `db:"session_id"`
	CreatedAt      string `db:"created_at"`
	ExpectedStages string `db:"expected_stages"`
	SchemaVersion  int    `db:"schema_version"`
	SavedAt        string `db:"saved_at"`
}

type stageRow struct {
	SessionID string         `db:"session_id"`
	StageID   string         `db:"stage_id"`
	Status    string         `db:"status"`
	Raw       sql.NullString `db:"raw"`
	Canonical sql.NullString `db:"canonical"`
	Manifest  string         `db:"manifest"`
	Error     string         `db:"error"`
	UpdatedAt string         `db:"updated_at"`
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Save(ctx context.Context, rec PersistedSession) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (session_id, created_at, expected_stages, schema_version, saved_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, timeToString(rec.CreatedAt), marshalJSON(rec.ExpectedStages), rec.SchemaVersion, timeToString(rec.SavedAt),
	); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	for id, st := range rec.Stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO stages (session_id, stage_id, status, raw, canonical, manifest, error, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, id, string(st.Status), nullableRaw(st.Raw), nullableJSON(st.Canonical),
			marshalJSON(st.Manifest), st.Error, timeToString(st.UpdatedAt),
		); err != nil {
			return fmt.Errorf("save stage %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Load(ctx context.Context, sessionID string) (PersistedSession, error) {
	var row sessionRow
	if err := b.db.GetContext(ctx, &row, `SELECT session_id, created_at, expected_stages, schema_version, saved_at FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PersistedSession{}, ErrNotFound
		}
		return PersistedSession{}, err
	}
	rec := PersistedSession{
		SessionID:     row.SessionID,
		CreatedAt:     parseTime(row.CreatedAt),
		SchemaVersion: row.SchemaVersion,
		SavedAt:       parseTime(row.SavedAt),
		Stages:        map[string]StageRecord{},
	}
	if err := json.Unmarshal([]byte(row.ExpectedStages), &rec.ExpectedStages); err != nil {
		return PersistedSession{}, fmt.Errorf("decode expected stages: %w", err)
	}

	var rows []stageRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT session_id, stage_id, status, raw, canonical, manifest, error, updated_at FROM stages WHERE session_id = ?`, sessionID); err != nil {
		return PersistedSession{}, err
	}
	for _, r := range rows {
		st := StageRecord{
			StageID:   r.StageID,
			Status:    Status(r.Status),
			Error:     r.Error,
			UpdatedAt: parseTime(r.UpdatedAt),
		}
		if r.Raw.Valid {
			st.Raw = json.RawMessage(r.Raw.String)
		}
		if r.Canonical.Valid {
			var a normalize.Analysis
			if err := json.Unmarshal([]byte(r.Canonical.String), &a); err != nil {
				return PersistedSession{}, fmt.Errorf("decode canonical %s: %w", r.StageID, err)
			}
			st.Canonical = &a
		}
		if err := json.Unmarshal([]byte(r.Manifest), &st.Manifest); err != nil {
			return PersistedSession{}, fmt.Errorf("decode manifest %s: %w", r.StageID, err)
		}
		rec.Stages[r.StageID] = st
	}
	return rec, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, sessionID string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := b.db.SelectContext(ctx, &ids, `SELECT session_id FROM sessions ORDER BY session_id`); err != nil {
		return nil, err
	}
	return ids, nil
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableJSON(a *normalize.Analysis) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: marshalJSON(a), Valid: true}
}
