package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/faults"
	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
)

type Options struct {
	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}

// Store holds the stage records of one analysis session. The poller is the
// only writer; HTTP handlers read concurrently through snapshots.
type Store struct {
	mu      sync.RWMutex
	session Session
	records map[string]*StageRecord
	// reported is the expected stage list as the backend sent it.
	reported   []string
	keys       map[string]string // folded backend id -> record key
	owners     map[string]string // canonical id -> backend alias that claimed it
	normalizer *normalize.Normalizer
	backend    Backend
	degraded   bool
	persistErr error

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

func New(session Session, n *normalize.Normalizer, backend Backend, opts Options) *Store {
	if n == nil {
		n = normalize.New(nil)
	}
	s := &Store{
		records:    map[string]*StageRecord{},
		keys:       map[string]string{},
		owners:     map[string]string{},
		normalizer: n,
		backend:    backend,
		subs:       map[int]func(Change){},
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	s.session = session
	s.reported = append([]string(nil), session.ExpectedStages...)
	s.session.ExpectedStages = s.expectedKeys(session.ExpectedStages)
	for _, id := range s.session.ExpectedStages {
		s.records[id] = &StageRecord{StageID: id, Status: StatusPending, UpdatedAt: session.CreatedAt}
	}
	return s
}

func (s *Store) expectedKeys(ids []string) []string {
	sch := s.normalizer.Schema()
	if len(ids) == 0 {
		return sch.StageIDs()
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		key := s.stageKeyLocked(raw, true)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := sch.Order(out[i]), sch.Order(out[j])
		if oi != oj {
			return oi < oj
		}
		return out[i] < out[j]
	})
	return out
}

// stageKeyLocked maps a backend stage id onto its record key. The first
// backend alias seen for a canonical stage claims it. A different alias that
// resolves to an already claimed stage gets a record of its own under its
// folded id, so two backend stages never share one record. The canonical id
// itself always maps to the canonical record.
func (s *Store) stageKeyLocked(raw string, claim bool) string {
	folded := schema.FoldKey(raw)
	if key, ok := s.keys[folded]; ok {
		return key
	}
	id, known := s.normalizer.Schema().ResolveStageID(raw)
	key := id
	if known && folded != id {
		owner, taken := s.owners[id]
		switch {
		case !taken && claim:
			s.owners[id] = folded
		case taken && owner != folded:
			key = folded
			if claim {
				s.logger.Warn("store stage alias collision", "session", s.session.ID, "stage", id, "claimed_by", owner, "kept_as", folded)
			}
		}
	}
	if claim && key != "" {
		s.keys[folded] = key
	}
	return key
}

func (s *Store) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.session
	out.ExpectedStages = append([]string(nil), s.session.ExpectedStages...)
	return out
}

// Merge applies one stage observation. It reports whether anything changed;
// every change is persisted and announced to subscribers.
func (s *Store) Merge(ctx context.Context, stageID string, u Update) bool {
	s.mu.Lock()
	id := s.stageKeyLocked(stageID, true)
	if id == "" {
		s.mu.Unlock()
		return false
	}
	rec, exists := s.records[id]
	if !exists {
		rec = &StageRecord{StageID: id, Status: StatusPending}
	}
	next, fault, changed := s.apply(*rec, u)
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.records[id] = &next
	var found []*faults.Error
	if fault != nil {
		found = append(found, fault)
	}
	if pf := s.persistLocked(ctx); pf != nil {
		found = append(found, pf)
	}
	change := Change{
		SessionID: s.session.ID,
		StageID:   id,
		Status:    next.Status,
		Complete:  s.completeLocked(),
		Faults:    found,
	}
	s.mu.Unlock()

	s.metrics.StageMerged(id, string(next.Status))
	s.notify(change)
	return true
}

func (s *Store) apply(rec StageRecord, u Update) (StageRecord, *faults.Error, bool) {
	status := u.Status
	hasPayload := len(bytes.TrimSpace(u.Raw)) > 0
	if status == StatusCompleted && !hasPayload {
		// Completion without a result cannot satisfy the canonical invariant yet.
		status = StatusRunning
	}

	switch {
	case rec.Status == StatusCompleted:
		if status != StatusCompleted || sameJSON(rec.Raw, u.Raw) {
			return rec, nil, false
		}
	case rec.Status == StatusError:
		return rec, nil, false
	case status.rank() < rec.Status.rank():
		return rec, nil, false
	case status == rec.Status:
		return rec, nil, false
	}

	var fault *faults.Error
	switch status {
	case StatusCompleted:
		raw := append(json.RawMessage(nil), u.Raw...)
		rec.Status = StatusCompleted
		rec.Raw = raw
		rec.Error = ""
		a, manifest, err := s.normalizer.Normalize(rec.StageID, raw)
		if err != nil {
			rec.Canonical = nil
			rec.Manifest = nil
			rec.Error = err.Error()
			s.logger.Warn("store normalize failed", "session", s.session.ID, "stage", rec.StageID, "err", err)
		} else {
			rec.Canonical = a
			rec.Manifest = manifest
			if len(manifest) > 0 {
				s.metrics.NormalizationGaps(rec.StageID, len(manifest))
				for _, g := range manifest {
					s.logger.Debug("store defaulted field", "session", s.session.ID, "err", faults.NormalizationGap(rec.StageID, g.Field, g.Reason))
				}
			}
		}
	case StatusError:
		rec.Status = StatusError
		rec.Error = u.Error
		fault = faults.StageFailure(rec.StageID, u.Error)
		s.logger.Warn("store stage failed", "session", s.session.ID, "stage", rec.StageID, "detail", u.Error)
	default:
		rec.Status = status
	}
	rec.UpdatedAt = s.now()
	return rec, fault, true
}

// Persist writes the session to the backend. Failures leave the store usable
// and mark it degraded.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	pf := s.persistLocked(ctx)
	s.mu.Unlock()
	if pf != nil {
		s.notify(Change{SessionID: s.session.ID, Complete: s.Complete(), Faults: []*faults.Error{pf}})
		return pf
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context) *faults.Error {
	if s.backend == nil {
		return nil
	}
	err := s.backend.Save(ctx, s.persistedLocked())
	if err != nil {
		s.degraded = true
		s.persistErr = err
		s.metrics.PersistenceFailed()
		s.logger.Warn("store persist failed", "session", s.session.ID, "err", err)
		return faults.PersistenceFailure(err)
	}
	s.degraded = false
	s.persistErr = nil
	return nil
}

func (s *Store) persistedLocked() PersistedSession {
	stages := make(map[string]StageRecord, len(s.records))
	for id, rec := range s.records {
		stages[id] = *rec
	}
	// The backend's own ids are kept so a restart rebuilds the same keys.
	expected := s.reported
	if len(expected) == 0 {
		expected = s.session.ExpectedStages
	}
	return PersistedSession{
		SessionID:      s.session.ID,
		CreatedAt:      s.session.CreatedAt,
		ExpectedStages: append([]string(nil), expected...),
		SchemaVersion:  s.normalizer.Schema().Version,
		Stages:         stages,
		SavedAt:        s.now(),
	}
}

// Degraded reports whether the last persistence attempt failed.
func (s *Store) Degraded() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded, s.persistErr
}

// All returns a copy of every stage record.
func (s *Store) All() map[string]StageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StageRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = *rec
	}
	return out
}

func (s *Store) Record(stageID string) (StageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[s.stageKeyLocked(stageID, false)]
	if !ok {
		return StageRecord{}, false
	}
	return *rec, true
}

func (s *Store) Canonical(stageID string) (*normalize.Analysis, bool) {
	rec, ok := s.Record(stageID)
	if !ok || rec.Status != StatusCompleted || rec.Canonical == nil {
		return nil, false
	}
	return rec.Canonical, true
}

func (s *Store) AllCanonical() map[string]*normalize.Analysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]*normalize.Analysis{}
	for id, rec := range s.records {
		if rec.Status == StatusCompleted && rec.Canonical != nil {
			out[id] = rec.Canonical
		}
	}
	return out
}

func (s *Store) Statuses() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Status
	}
	return out
}

// Complete reports whether every expected stage is completed or failed.
func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completeLocked()
}

func (s *Store) completeLocked() bool {
	for _, id := range s.session.ExpectedStages {
		rec, ok := s.records[id]
		if !ok || !rec.Status.Terminal() {
			return false
		}
	}
	return true
}

// Progress is the share of expected stages in a terminal state, 0-100.
func (s *Store) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.session.ExpectedStages) == 0 {
		return 100
	}
	done := 0
	for _, id := range s.session.ExpectedStages {
		if rec, ok := s.records[id]; ok && rec.Status.Terminal() {
			done++
		}
	}
	return float64(done) * 100 / float64(len(s.session.ExpectedStages))
}

// Subscribe registers fn for change notifications. Callbacks run on the
// writer goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Hydrate rebuilds a store from a persisted session. Completed stages are
// usable at once; stored canonical records are reused only when they were
// produced by the current schema version.
func Hydrate(ctx context.Context, backend Backend, sessionID string, n *normalize.Normalizer, opts Options) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("hydrate %s: no backend", sessionID)
	}
	ps, err := backend.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", sessionID, err)
	}
	if ps.SessionID != sessionID {
		return nil, fmt.Errorf("hydrate %s: stored record belongs to session %q", sessionID, ps.SessionID)
	}
	s := New(Session{ID: ps.SessionID, CreatedAt: ps.CreatedAt, ExpectedStages: ps.ExpectedStages}, n, backend, opts)
	sameSchema := ps.SchemaVersion == s.normalizer.Schema().Version
	for id, stored := range ps.Stages {
		rec := stored
		rec.StageID = id
		if rec.Status == StatusCompleted && (!sameSchema || (rec.Canonical == nil && rec.Error == "")) {
			a, manifest, err := s.normalizer.Normalize(id, rec.Raw)
			if err != nil {
				rec.Canonical, rec.Manifest, rec.Error = nil, nil, err.Error()
			} else {
				rec.Canonical, rec.Manifest, rec.Error = a, manifest, ""
			}
		}
		s.records[id] = &rec
	}
	s.logger.Info("store hydrated", "session", s.session.ID, "stages", len(ps.Stages), "complete", s.completeLocked())
	return s, nil
}

// sameJSON compares payloads ignoring insignificant whitespace, which
// persistence backends do not preserve.
func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
