package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/aggregate"
	"github.com/BigOD2307/africa-strategy-platform/internal/backend"
	"github.com/BigOD2307/africa-strategy-platform/internal/faults"
	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
	"github.com/BigOD2307/africa-strategy-platform/internal/poller"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
	"github.com/BigOD2307/africa-strategy-platform/internal/store"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoSession is returned by reads made before any submission or resume.
var ErrNoSession = errors.New("no active session")

// Client is the analysis backend as seen by the engine.
type Client interface {
	Submit(ctx context.Context, questionnaire json.RawMessage) (backend.SubmitResponse, error)
	Status(ctx context.Context, sessionID string) (backend.StatusResponse, error)
}

// Metrics covers both the poller and store instrumentation;
// *telemetry.Metrics implements it.
type Metrics interface {
	poller.Metrics
	store.Recorder
}

type Config struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
	MaxBackoff   time.Duration
}

type Options struct {
	Schema  *schema.Schema
	Backend store.Backend
	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

// Event is the "store changed" notification handed to subscribers.
type Event struct {
	SessionID string       `json:"session_id"`
	Stage     string       `json:"stage,omitempty"`
	Status    store.Status `json:"status,omitempty"`
	Progress  float64      `json:"progress"`
	Complete  bool         `json:"complete"`
	Faults    []string     `json:"faults,omitempty"`
}

type StageView struct {
	ID        string       `json:"id"`
	Label     string       `json:"label"`
	Status    store.Status `json:"status"`
	Error     string       `json:"error,omitempty"`
	Gaps      int          `json:"defaulted_fields"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Snapshot is the consumer view of a session. It never carries raw payloads.
type Snapshot struct {
	SessionID      string       `json:"session_id"`
	CreatedAt      time.Time    `json:"created_at"`
	Poller         poller.State `json:"poller"`
	Progress       float64      `json:"progress"`
	Complete       bool         `json:"complete"`
	Stages         []StageView  `json:"stages"`
	Degraded       bool         `json:"persistence_degraded"`
	DegradedReason string       `json:"persistence_error,omitempty"`
}

// Engine owns one analysis session at a time: its store and its polling
// loop. Starting a new submission discards the previous session.
type Engine struct {
	client     Client
	cfg        Config
	schema     *schema.Schema
	normalizer *normalize.Normalizer
	backend    store.Backend
	logger     *slog.Logger
	metrics    Metrics
	poller     *poller.Poller

	// base outlives request contexts; the polling loop runs under it.
	base   context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	store       *store.Store
	unsubscribe func()
	loadErr     *faults.Error

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func New(client Client, cfg Config, opts Options) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if opts.Schema == nil {
		opts.Schema = schema.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client:     client,
		cfg:        cfg,
		schema:     opts.Schema,
		normalizer: normalize.New(opts.Schema),
		backend:    opts.Backend,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		base:       base,
		cancel:     cancel,
		subs:       map[int]func(Event){},
	}
	var pm poller.Metrics
	if opts.Metrics != nil {
		pm = opts.Metrics
	}
	e.poller = poller.New(client, poller.Config{MaxDuration: cfg.MaxDuration, MaxBackoff: cfg.MaxBackoff}, poller.Options{
		Logger:  opts.Logger,
		Metrics: pm,
		Tracer:  opts.Tracer,
	})
	return e
}

func (e *Engine) storeOptions() store.Options {
	opts := store.Options{Logger: e.logger}
	if e.metrics != nil {
		opts.Metrics = e.metrics
	}
	return opts
}

// Submit sends the questionnaire, replaces the current session with the new
// one and starts polling it. An eagerly returned first result is merged
// before the first tick.
func (e *Engine) Submit(ctx context.Context, questionnaire json.RawMessage) (store.Session, error) {
	resp, err := e.client.Submit(ctx, questionnaire)
	if err != nil {
		return store.Session{}, fmt.Errorf("submit questionnaire: %w", err)
	}
	s := store.New(store.Session{ID: resp.SessionID, ExpectedStages: resp.Stages}, e.normalizer, e.backend, e.storeOptions())
	e.install(s, nil)
	if resp.First != nil {
		s.Merge(ctx, resp.First.Stage, store.Update{Status: store.StatusCompleted, Raw: resp.First.Result})
	}
	if err := e.startPolling(s); err != nil {
		return store.Session{}, err
	}
	e.logger.Info("session submitted", "session", resp.SessionID, "stages", s.Session().ExpectedStages)
	return s.Session(), nil
}

// Resume continues a known session. Stages already persisted as completed
// are usable at once; when nothing can be read back the session restarts
// from an empty store and the backend re-delivers what it has.
func (e *Engine) Resume(ctx context.Context, sessionID string) (store.Session, error) {
	if sessionID == "" {
		return store.Session{}, errors.New("resume: empty session id")
	}
	var loadErr *faults.Error
	var s *store.Store
	if e.backend != nil {
		hydrated, err := store.Hydrate(ctx, e.backend, sessionID, e.normalizer, e.storeOptions())
		switch {
		case err == nil:
			s = hydrated
		case errors.Is(err, store.ErrNotFound):
			e.logger.Info("no persisted session, starting fresh", "session", sessionID)
		default:
			loadErr = faults.PersistenceFailure(err)
			e.logger.Warn("session hydrate failed, continuing in memory", "session", sessionID, "err", err)
		}
	}
	if s == nil {
		s = store.New(store.Session{ID: sessionID}, e.normalizer, e.backend, e.storeOptions())
	}
	e.install(s, loadErr)
	if s.Complete() {
		e.poller.Stop()
		e.logger.Info("session resumed complete", "session", sessionID)
		return s.Session(), nil
	}
	if err := e.startPolling(s); err != nil {
		return store.Session{}, err
	}
	e.logger.Info("session resumed", "session", sessionID, "progress", s.Progress())
	return s.Session(), nil
}

// Reset stops polling and discards the current session, including its
// persisted record.
func (e *Engine) Reset(ctx context.Context) error {
	e.poller.Stop()
	e.mu.Lock()
	s := e.store
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.store, e.unsubscribe, e.loadErr = nil, nil, nil
	e.mu.Unlock()
	if s == nil || e.backend == nil {
		return nil
	}
	id := s.Session().ID
	if err := e.backend.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reset %s: %w", id, faults.PersistenceFailure(err))
	}
	e.logger.Info("session reset", "session", id)
	return nil
}

// Close stops the polling loop for good.
func (e *Engine) Close() {
	e.poller.Stop()
	e.cancel()
}

func (e *Engine) install(s *store.Store, loadErr *faults.Error) {
	e.poller.Stop()
	unsubscribe := s.Subscribe(func(c store.Change) { e.publish(s, c) })
	e.mu.Lock()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.store, e.unsubscribe, e.loadErr = s, unsubscribe, loadErr
	e.mu.Unlock()
	if loadErr != nil {
		e.publish(s, store.Change{SessionID: s.Session().ID, Faults: []*faults.Error{loadErr}})
	}
}

func (e *Engine) startPolling(s *store.Store) error {
	return e.poller.Start(e.base, s, e.cfg.PollInterval, func(t poller.Tick) {
		if t.Complete {
			e.logger.Info("session complete", "session", t.SessionID)
		}
	})
}

func (e *Engine) current() (*store.Store, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.store == nil {
		return nil, ErrNoSession
	}
	return e.store, nil
}

func (e *Engine) Schema() *schema.Schema { return e.schema }

// Session returns the active session handle.
func (e *Engine) Session() (store.Session, error) {
	s, err := e.current()
	if err != nil {
		return store.Session{}, err
	}
	return s.Session(), nil
}

func (e *Engine) GetCanonical(stageID string) (*normalize.Analysis, bool) {
	s, err := e.current()
	if err != nil {
		return nil, false
	}
	return s.Canonical(stageID)
}

func (e *Engine) GetAllCanonical() map[string]*normalize.Analysis {
	s, err := e.current()
	if err != nil {
		return map[string]*normalize.Analysis{}
	}
	return s.AllCanonical()
}

// GetDerivedAggregate computes the cross-stage view from whatever stages have
// completed so far.
func (e *Engine) GetDerivedAggregate() (aggregate.Aggregate, error) {
	s, err := e.current()
	if err != nil {
		return aggregate.Aggregate{}, err
	}
	terminal := map[string]bool{}
	for id, st := range s.Statuses() {
		terminal[id] = st.Terminal()
	}
	return aggregate.Compute(e.schema, s.AllCanonical(), s.Session().ExpectedStages, aggregate.Options{Terminal: terminal}), nil
}

func (e *Engine) Status() (Snapshot, error) {
	s, err := e.current()
	if err != nil {
		return Snapshot{}, err
	}
	sess := s.Session()
	snap := Snapshot{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		Poller:    e.poller.State(),
		Progress:  s.Progress(),
		Complete:  s.Complete(),
	}
	records := s.All()
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		oi, oj := e.schema.Order(ids[i]), e.schema.Order(ids[j])
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		rec := records[id]
		label := id
		if st, ok := e.schema.Stage(id); ok {
			label = st.Label
		}
		snap.Stages = append(snap.Stages, StageView{
			ID:        id,
			Label:     label,
			Status:    rec.Status,
			Error:     rec.Error,
			Gaps:      len(rec.Manifest),
			UpdatedAt: rec.UpdatedAt,
		})
	}
	snap.Degraded, err = e.PersistenceDegraded()
	if err != nil {
		snap.DegradedReason = err.Error()
	}
	return snap, nil
}

// PersistenceDegraded reports whether the session is running in memory only,
// either because the last write failed or because it could not be read back.
func (e *Engine) PersistenceDegraded() (bool, error) {
	e.mu.RLock()
	s, loadErr := e.store, e.loadErr
	e.mu.RUnlock()
	if s == nil {
		return false, nil
	}
	if degraded, err := s.Degraded(); degraded {
		return true, err
	}
	if loadErr != nil {
		return true, loadErr
	}
	return false, nil
}

// PollerState reports the polling loop state and the reason it last stopped.
func (e *Engine) PollerState() (poller.State, string) {
	return e.poller.State(), e.poller.Reason()
}

// Done is closed when the current polling loop exits.
func (e *Engine) Done() <-chan struct{} {
	return e.poller.Done()
}

// Subscribe registers fn for change notifications across session switches.
// fn runs on the polling goroutine and must not call the engine's lifecycle
// methods, which wait for that goroutine.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) publish(s *store.Store, c store.Change) {
	ev := Event{
		SessionID: c.SessionID,
		Stage:     c.StageID,
		Status:    c.Status,
		Progress:  s.Progress(),
		Complete:  c.Complete,
	}
	for _, f := range c.Faults {
		if f.Surfaced() {
			ev.Faults = append(ev.Faults, f.Error())
		}
	}
	e.subMu.Lock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
