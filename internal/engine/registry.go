package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/BigOD2307/africa-strategy-platform/internal/store"
)

// Registry keeps one engine per session id so several sessions can be
// followed by the same process.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	factory func() *Engine
	backend store.Backend
}

func NewRegistry(client Client, cfg Config, opts Options) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		factory: func() *Engine { return New(client, cfg, opts) },
		backend: opts.Backend,
	}
}

func (r *Registry) Submit(ctx context.Context, questionnaire json.RawMessage) (store.Session, error) {
	e := r.factory()
	sess, err := e.Submit(ctx, questionnaire)
	if err != nil {
		e.Close()
		return store.Session{}, err
	}
	r.put(sess.ID, e)
	return sess, nil
}

// Resume attaches to a session, reusing its engine when one is already
// running.
func (r *Registry) Resume(ctx context.Context, sessionID string) (store.Session, *Engine, error) {
	if e := r.Get(sessionID); e != nil {
		if sess, err := e.Session(); err == nil {
			return sess, e, nil
		}
	}
	e := r.factory()
	sess, err := e.Resume(ctx, sessionID)
	if err != nil {
		e.Close()
		return store.Session{}, nil, err
	}
	r.put(sess.ID, e)
	return sess, e, nil
}

func (r *Registry) Get(sessionID string) *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[sessionID]
}

// Remove resets and forgets a session. It reports whether it was known.
func (r *Registry) Remove(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	e, ok := r.engines[sessionID]
	delete(r.engines, sessionID)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	defer e.Close()
	return true, e.Reset(ctx)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for id := range r.engines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stored lists the sessions held by the persistence backend, including ones
// this process has not resumed.
func (r *Registry) Stored(ctx context.Context) ([]string, error) {
	if r.backend == nil {
		return []string{}, nil
	}
	ids, err := r.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored sessions: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Close stops every polling loop.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}

func (r *Registry) put(id string, e *Engine) {
	r.mu.Lock()
	prev := r.engines[id]
	r.engines[id] = e
	r.mu.Unlock()
	if prev != nil && prev != e {
		prev.Close()
	}
}
