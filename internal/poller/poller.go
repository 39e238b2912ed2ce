package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/backend"
	"github.com/BigOD2307/africa-strategy-platform/internal/faults"
	"github.com/BigOD2307/africa-strategy-platform/internal/store"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateDone    State = "done"
	StateAborted State = "aborted"
)

type StatusSource interface {
	Status(ctx context.Context, sessionID string) (backend.StatusResponse, error)
}

// Sink receives stage observations; *store.Store satisfies it.
type Sink interface {
	Session() store.Session
	Merge(ctx context.Context, stageID string, u store.Update) bool
	Complete() bool
	Progress() float64
}

type Tick struct {
	SessionID string
	Progress  float64
	Changed   []string
	Complete  bool
}

type UpdateFunc func(Tick)

type Metrics interface {
	PollTick(outcome string)
	PollerStarted()
	PollerStopped()
}

type Config struct {
	// MaxDuration aborts a loop that has not finished in time. Zero means no limit.
	MaxDuration time.Duration
	// MaxBackoff caps the delay added after consecutive failures. Zero keeps a
	// fixed interval.
	MaxBackoff time.Duration
}

type Options struct {
	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

type Poller struct {
	source  StatusSource
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	ctl sync.Mutex

	mu     sync.Mutex
	state  State
	reason string
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type nopMetrics struct{}

func (nopMetrics) PollTick(string) {}
func (nopMetrics) PollerStarted()  {}
func (nopMetrics) PollerStopped()  {}

func New(source StatusSource, cfg Config, opts Options) *Poller {
	p := &Poller{
		source:  source,
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		state:   StateIdle,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("github.com/BigOD2307/africa-strategy-platform/internal/poller")
	}
	return p
}

// Start begins polling the sink's session, replacing any running loop. The
// first request goes out immediately.
func (p *Poller) Start(ctx context.Context, sink Sink, interval time.Duration, onUpdate UpdateFunc) error {
	if interval <= 0 {
		return errors.New("poller: interval must be positive")
	}
	if sink == nil {
		return errors.New("poller: nil sink")
	}
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.state = StatePolling
	p.reason = ""
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.metrics.PollerStarted()
	go p.run(loopCtx, gen, done, sink, interval, onUpdate)
	return nil
}

// Stop ends the current loop and waits for it to exit. Once it returns no
// further merges or callbacks happen. Safe to call twice. Stop must not be
// called from the loop goroutine (the update callback or a store subscriber);
// use Cancel there.
func (p *Poller) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stop()
}

// Cancel asks the current loop to exit without waiting for it. It never
// blocks and is safe from the update callback.
func (p *Poller) Cancel() {
	if cancel, _ := p.detach(); cancel != nil {
		cancel()
	}
}

func (p *Poller) stop() {
	cancel, done := p.detach()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (p *Poller) detach() (context.CancelFunc, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel := p.cancel
	p.cancel = nil
	if p.state == StatePolling {
		p.state = StateAborted
		p.reason = "stopped"
	}
	return cancel, p.done
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Done is closed when the current loop exits.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

func (p *Poller) finish(gen uint64, state State, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state != StatePolling {
		return
	}
	p.state = state
	p.reason = reason
}

type fetchResult struct {
	resp backend.StatusResponse
	err  error
}

func (p *Poller) run(ctx context.Context, gen uint64, done chan struct{}, sink Sink, interval time.Duration, onUpdate UpdateFunc) {
	defer close(done)
	defer p.metrics.PollerStopped()

	sessionID := sink.Session().ID
	log := p.logger.With("session", sessionID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if p.cfg.MaxDuration > 0 {
		timer := time.NewTimer(p.cfg.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.Reset()

	results := make(chan fetchResult, 1)
	inFlight := false
	var notBefore time.Time
	defer func() {
		if inFlight {
			<-results
		}
	}()

	fire := func() {
		if inFlight {
			p.metrics.PollTick("skipped")
			log.Debug("poller tick skipped: request in flight")
			return
		}
		if time.Now().Before(notBefore) {
			p.metrics.PollTick("backoff")
			return
		}
		inFlight = true
		go func() {
			resp, err := p.fetch(ctx, sessionID)
			results <- fetchResult{resp: resp, err: err}
		}()
	}

	if sink.Complete() {
		p.finish(gen, StateDone, "all stages terminal")
		return
	}
	fire()
	for {
		select {
		case <-ctx.Done():
			p.finish(gen, StateAborted, "context canceled")
			return
		case <-deadline:
			p.finish(gen, StateAborted, "max duration exceeded")
			log.Warn("poller aborted: max duration exceeded", "max_duration", p.cfg.MaxDuration)
			return
		case <-ticker.C:
			fire()
		case res := <-results:
			inFlight = false
			if ctx.Err() != nil {
				p.finish(gen, StateAborted, "context canceled")
				return
			}
			if res.err != nil {
				p.metrics.PollTick("failed")
				log.Warn("poller status failed", "err", faults.PollTransient(res.err), "transient", backend.IsTransient(res.err))
				if p.cfg.MaxBackoff > 0 {
					notBefore = time.Now().Add(bo.NextBackOff())
				}
				continue
			}
			bo.Reset()
			notBefore = time.Time{}
			p.metrics.PollTick("ok")

			tick := p.apply(ctx, sink, res.resp)
			if onUpdate != nil {
				onUpdate(tick)
			}
			if tick.Complete {
				p.finish(gen, StateDone, "all stages terminal")
				log.Info("poller done", "progress", tick.Progress)
				return
			}
		}
	}
}

func (p *Poller) fetch(ctx context.Context, sessionID string) (backend.StatusResponse, error) {
	ctx, span := p.tracer.Start(ctx, "poller.status", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	resp, err := p.source.Status(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status poll failed")
		return resp, err
	}
	span.SetAttributes(attribute.Int("stages", len(resp.Stages)), attribute.Float64("progress", resp.Progress))
	return resp, nil
}

// apply merges one status answer into the sink in stable stage order.
func (p *Poller) apply(ctx context.Context, sink Sink, resp backend.StatusResponse) Tick {
	ids := make([]string, 0, len(resp.Stages))
	for id := range resp.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changed []string
	for _, id := range ids {
		st := resp.Stages[id]
		u := store.Update{Status: store.ParseStatus(st.Status), Error: st.Error}
		if u.Status == store.StatusCompleted {
			u.Raw = st.Result
		}
		if sink.Merge(ctx, id, u) {
			changed = append(changed, id)
		}
	}
	progress := resp.Progress
	if progress <= 0 {
		progress = sink.Progress()
	}
	return Tick{
		SessionID: sink.Session().ID,
		Progress:  progress,
		Changed:   changed,
		Complete:  sink.Complete(),
	}
}
