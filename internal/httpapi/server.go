package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/engine"
	"github.com/BigOD2307/africa-strategy-platform/internal/faults"
	"github.com/BigOD2307/africa-strategy-platform/internal/report"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PDFRenderer prints an HTML report page.
type PDFRenderer interface {
	Render(ctx context.Context, htmlDoc string) ([]byte, error)
}

type Options struct {
	Logger  *slog.Logger
	Metrics http.Handler
	PDF     PDFRenderer
	// KeepAlive is the idle interval between event stream comments.
	KeepAlive time.Duration
	Now       func() time.Time
}

type Server struct {
	sessions  *engine.Registry
	logger    *slog.Logger
	pdf       PDFRenderer
	keepAlive time.Duration
	now       func() time.Time
}

const maxQuestionnaireBytes = 1 << 20

func NewServer(sessions *engine.Registry, opts Options) http.Handler {
	s := &Server{
		sessions:  sessions,
		logger:    opts.Logger,
		pdf:       opts.PDF,
		keepAlive: opts.KeepAlive,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.keepAlive <= 0 {
		s.keepAlive = 15 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)

	mux.Get("/v1/health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	mux.Get("/v1/sessions", s.wrap(s.handleList))
	mux.Post("/v1/sessions", s.wrap(s.handleSubmit))
	mux.Route("/v1/sessions/{id}", func(rt chi.Router) {
		rt.Post("/resume", s.wrap(s.handleResume))
		rt.Delete("/", s.wrap(s.handleDelete))
		rt.Get("/", s.wrap(s.handleStatus))
		rt.Get("/canonical", s.wrap(s.handleAllCanonical))
		rt.Get("/canonical/{stage}", s.wrap(s.handleCanonical))
		rt.Get("/aggregate", s.wrap(s.handleAggregate))
		rt.Get("/report", s.wrap(s.handleReport))
		rt.Get("/events", s.handleEvents)
	})
	return mux
}

// apiError is a handler failure with the status it should be answered with.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string { return e.Message }

func notFound(format string, args ...any) error {
	return &apiError{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) error {
	return &apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var ae *apiError
		switch {
		case errors.As(err, &ae):
			writeError(w, ae.Status, ae.Message)
		case errors.Is(err, engine.ErrNoSession):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			status := http.StatusBadGateway
			kind, _ := faults.KindOf(err)
			if kind == faults.KindPersistenceFailure {
				status = http.StatusServiceUnavailable
			}
			s.logger.Error("http request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "kind", kind, "err", err)
			writeError(w, status, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func (s *Server) session(r *http.Request) (*engine.Engine, error) {
	id := chi.URLParam(r, "id")
	e := s.sessions.Get(id)
	if e == nil {
		return nil, notFound("unknown session %q", id)
	}
	return e, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": len(s.sessions.IDs())})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) error {
	stored, err := s.sessions.Stored(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": s.sessions.IDs(), "stored": stored})
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxQuestionnaireBytes+1))
	if err != nil {
		return badRequest("read body: %v", err)
	}
	if len(blob) > maxQuestionnaireBytes {
		return &apiError{Status: http.StatusRequestEntityTooLarge, Message: "questionnaire too large"}
	}
	var fields map[string]any
	if err := json.Unmarshal(blob, &fields); err != nil || fields == nil {
		return badRequest("questionnaire must be a JSON object")
	}
	sess, err := s.sessions.Submit(r.Context(), json.RawMessage(blob))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, sess)
	return nil
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) error {
	sess, _, err := s.sessions.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess)
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	removed, err := s.sessions.Remove(r.Context(), id)
	if err != nil {
		return err
	}
	if !removed {
		return notFound("unknown session %q", id)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	e, err := s.session(r)
	if err != nil {
		return err
	}
	snap, err := e.Status()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, snap)
	return nil
}

func (s *Server) handleAllCanonical(w http.ResponseWriter, r *http.Request) error {
	e, err := s.session(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, e.GetAllCanonical())
	return nil
}

func (s *Server) handleCanonical(w http.ResponseWriter, r *http.Request) error {
	e, err := s.session(r)
	if err != nil {
		return err
	}
	stage := chi.URLParam(r, "stage")
	a, ok := e.GetCanonical(stage)
	if !ok {
		return notFound("stage %q has no canonical result yet", stage)
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) error {
	e, err := s.session(r)
	if err != nil {
		return err
	}
	agg, err := e.GetDerivedAggregate()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, agg)
	return nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) error {
	e, err := s.session(r)
	if err != nil {
		return err
	}
	in, err := s.reportInput(e)
	if err != nil {
		return err
	}
	md := report.BuildMarkdown(in)

	format := r.URL.Query().Get("format")
	switch format {
	case "", "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, md)
		return nil
	case "html", "pdf":
	default:
		return badRequest("unknown report format %q", format)
	}

	doc, err := report.RenderHTML(in, md)
	if err != nil {
		return err
	}
	if format == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, doc)
		return nil
	}
	if s.pdf == nil {
		return &apiError{Status: http.StatusNotImplemented, Message: "pdf rendering is not configured"}
	}
	pdf, err := s.pdf.Render(r.Context(), doc)
	if err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="rapport-%s.pdf"`, in.SessionID))
	_, _ = w.Write(pdf)
	return nil
}

func (s *Server) reportInput(e *engine.Engine) (report.Input, error) {
	snap, err := e.Status()
	if err != nil {
		return report.Input{}, err
	}
	agg, err := e.GetDerivedAggregate()
	if err != nil {
		return report.Input{}, err
	}
	in := report.Input{
		SessionID:   snap.SessionID,
		GeneratedAt: s.now(),
		Schema:      e.Schema(),
		Analyses:    e.GetAllCanonical(),
		Aggregate:   agg,
	}
	for _, st := range snap.Stages {
		in.Stages = append(in.Stages, report.StageState{ID: st.ID, Status: st.Status, Error: st.Error})
	}
	return in, nil
}

// handleEvents streams store changes as server-sent events. The current
// snapshot is sent first so a client needs no separate status call.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	e, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	snap, err := e.Status()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Events are dropped for a client that falls this far behind.
	events := make(chan engine.Event, 64)
	cancel := e.Subscribe(func(ev engine.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	seq := 0
	send := func(kind string, payload any) bool {
		blob, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		seq++
		if _, err := fmt.Fprintf(bw, "id: %d\nevent: %s\ndata: %s\n\n", seq, kind, blob); err != nil {
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send("snapshot", snap) {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if !send("change", ev) {
				return
			}
		case <-ticker.C:
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
