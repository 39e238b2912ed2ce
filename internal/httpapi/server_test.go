package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/backend"
	"github.com/BigOD2307/africa-strategy-platform/internal/engine"
	"github.com/BigOD2307/africa-strategy-platform/internal/store"
	"github.com/BigOD2307/africa-strategy-platform/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// analysisBackend completes the risk stage once release is set.
type analysisBackend struct {
	release atomic.Bool
}

func (b *analysisBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/analyses", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"s-7","stages":["pestel","risk"],"first_result":{"stage":"pestel","result":{"scores":{"total":66}}}}`))
	})
	mux.HandleFunc("GET /api/analyses/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		risk := `{"status":"running"}`
		if b.release.Load() {
			risk = `{"status":"completed","result":{"score":38,"risques":{"change":55}}}`
		}
		_, _ = w.Write([]byte(`{"stages":{"risk":` + risk + `}}`))
	})
	return mux
}

type fakePDF struct{ err error }

func (f fakePDF) Render(_ context.Context, htmlDoc string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.7 " + htmlDoc[:15]), nil
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *analysisBackend, *engine.Registry) {
	t.Helper()
	return newTestServerWith(t, opts, store.NewMemoryBackend())
}

func newTestServerWith(t *testing.T, opts Options, persisted store.Backend) (*httptest.Server, *analysisBackend, *engine.Registry) {
	t.Helper()
	api := &analysisBackend{}
	upstream := httptest.NewServer(api.handler())
	t.Cleanup(upstream.Close)

	metrics := telemetry.NewMetrics()
	reg := engine.NewRegistry(
		backend.NewClient(backend.Config{BaseURL: upstream.URL}),
		engine.Config{PollInterval: 5 * time.Millisecond},
		engine.Options{Backend: persisted, Metrics: metrics},
	)
	t.Cleanup(reg.Close)
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 20 * time.Millisecond
	}
	srv := httptest.NewServer(NewServer(reg, opts))
	t.Cleanup(srv.Close)
	return srv, api, reg
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(blob)
}

func submit(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions", `{"entreprise":"Agro CI"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	var sess store.Session
	require.NoError(t, json.Unmarshal([]byte(body), &sess))
	require.Equal(t, "s-7", sess.ID)
}

func TestSessionLifecycle(t *testing.T) {
	srv, api, reg := newTestServer(t, Options{})
	submit(t, srv)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, "s-7", snap.SessionID)
	assert.Equal(t, 50.0, snap.Progress)
	assert.NotContains(t, body, `"raw"`)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/canonical/pestel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"stage":"pestel"`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/canonical/risk", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	api.release.Store(true)
	select {
	case <-reg.Get("s-7").Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not complete")
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/aggregate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agg struct {
		Complete     bool   `json:"complete"`
		RiskCategory string `json:"risk_category"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &agg))
	assert.True(t, agg.Complete)
	assert.Equal(t, "low", agg.RiskCategory)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/canonical", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &all))
	assert.Len(t, all, 2)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/sessions/s-7", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/sessions/s-7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"active":[],"stored":[]}`, body)

	submit(t, srv)
	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"active":["s-7"],"stored":["s-7"]}`, body)
}

type readOnlyDisk struct{ *store.MemoryBackend }

func (readOnlyDisk) Delete(context.Context, string) error {
	return errors.New("read-only file system")
}

func TestDeleteSurfacesPersistenceFailure(t *testing.T) {
	srv, _, _ := newTestServerWith(t, Options{}, readOnlyDisk{store.NewMemoryBackend()})
	submit(t, srv)

	resp, body := do(t, http.MethodDelete, srv.URL+"/v1/sessions/s-7", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "read-only file system")
}

func TestSubmitValidatesBody(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "JSON object")

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/nope/aggregate", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResumeRoute(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions/s-7/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"session_id":"s-7"`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReportFormats(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{PDF: fakePDF{}, Now: func() time.Time {
		return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	}})
	submit(t, srv)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/report", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "# Rapport stratégique")
	assert.Contains(t, body, "01/05/2026 08:00 UTC")

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/report?format=html", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<!doctype html>")

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/report?format=pdf", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "%PDF-1.7 <!doctype html>"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/report?format=docx", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReportPDFFailures(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{PDF: fakePDF{err: errors.New("chrome missing")}})
	submit(t, srv)
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/s-7/report?format=pdf", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "chrome missing")

	srv2, _, _ := newTestServer(t, Options{})
	submit(t, srv2)
	resp, _ = do(t, http.MethodGet, srv2.URL+"/v1/sessions/s-7/report?format=pdf", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	srv, api, _ := newTestServer(t, Options{})
	submit(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/s-7/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var kinds []string
	sawKeepAlive := false
	for sc.Scan() {
		line := sc.Text()
		if line == ": keep-alive" {
			sawKeepAlive = true
			api.release.Store(true)
		}
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, kind)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, `"complete":true`) {
			break
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "snapshot", kinds[0])
	assert.Contains(t, kinds, "change")
	assert.True(t, sawKeepAlive)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	submit(t, srv)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"sessions":1}`, body)

	require.Eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(body, "strategy_engine_store_stage_merges_total") &&
			strings.Contains(body, `strategy_engine_poller_ticks_total{outcome="ok"}`)
	}, 3*time.Second, 10*time.Millisecond)
}
