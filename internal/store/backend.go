package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("session not found")

// Backend is durable storage for session records.
type Backend interface {
	Save(ctx context.Context, rec PersistedSession) error
	Load(ctx context.Context, sessionID string) (PersistedSession, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
}

// FileBackend keeps one JSON document per session in a directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// path escapes every byte outside [A-Za-z0-9.-] as _XX, so distinct
// session ids never share a file.
func (b *FileBackend) path(sessionID string) string {
	var sb strings.Builder
	for i := 0; i < len(sessionID); i++ {
		c := sessionID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "_%02X", c)
		}
	}
	return filepath.Join(b.dir, sb.String()+".json")
}

func (b *FileBackend) Save(_ context.Context, rec PersistedSession) error {
	path := b.path(rec.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileBackend) Load(_ context.Context, sessionID string) (PersistedSession, error) {
	return readSessionFile(b.path(sessionID))
}

func readSessionFile(path string) (PersistedSession, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PersistedSession{}, ErrNotFound
		}
		return PersistedSession{}, err
	}
	var rec PersistedSession
	if err := json.Unmarshal(blob, &rec); err != nil {
		return PersistedSession{}, err
	}
	if rec.Stages == nil {
		rec.Stages = map[string]StageRecord{}
	}
	return rec, nil
}

func (b *FileBackend) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(b.path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rec, err := readSessionFile(filepath.Join(b.dir, e.Name()))
		if err != nil || rec.SessionID == "" {
			continue
		}
		ids = append(ids, rec.SessionID)
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryBackend keeps serialized sessions in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: map[string][]byte{}}
}

func (b *MemoryBackend) Save(_ context.Context, rec PersistedSession) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[rec.SessionID] = blob
	return nil
}

func (b *MemoryBackend) Load(_ context.Context, sessionID string) (PersistedSession, error) {
	b.mu.Lock()
	blob, ok := b.blobs[sessionID]
	b.mu.Unlock()
	if !ok {
		return PersistedSession{}, ErrNotFound
	}
	var rec PersistedSession
	if err := json.Unmarshal(blob, &rec); err != nil {
		return PersistedSession{}, err
	}
	return rec, nil
}

func (b *MemoryBackend) Delete(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, sessionID)
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.blobs))
	for id := range b.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
