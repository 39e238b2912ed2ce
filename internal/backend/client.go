package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/alias"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	DefaultSubmitPath = "/api/analyses"
	DefaultStatusPath = "/api/analyses/{id}/status"
)

type Config struct {
	BaseURL    string
	SubmitPath string
	StatusPath string
	Timeout    time.Duration
}

type Client struct {
	baseURL    string
	submitPath string
	statusPath string
	http       *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = DefaultSubmitPath
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultStatusPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		submitPath: cfg.SubmitPath,
		statusPath: cfg.StatusPath,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s failed status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// IsTransient reports whether a failed call is worth repeating on the next
// poll: network errors, timeouts, 408, 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusRequestTimeout || he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return blob, resp.StatusCode, &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(blob)}
	}
	return blob, resp.StatusCode, nil
}

type StageResult struct {
	Stage  string          `json:"stage"`
	Result json.RawMessage `json:"result"`
}

type SubmitResponse struct {
	SessionID string
	Stages    []string
	First     *StageResult
}

type StageStatus struct {
	Status string
	Result json.RawMessage
	Error  string
}

type StatusResponse struct {
	SessionID string
	Status    string
	Progress  float64
	Stages    map[string]StageStatus
}

// Submit sends the questionnaire and returns the new session.
func (c *Client) Submit(ctx context.Context, questionnaire json.RawMessage) (SubmitResponse, error) {
	if !gjson.ValidBytes(questionnaire) || !gjson.ParseBytes(questionnaire).IsObject() {
		return SubmitResponse{}, errors.New("submit: questionnaire must be a JSON object")
	}
	out, _, err := c.DoJSON(ctx, http.MethodPost, c.submitPath, questionnaire, nil)
	if err != nil {
		return SubmitResponse{}, err
	}
	resp, err := DecodeSubmit(out)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("submit: %w", err)
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context, sessionID string) (StatusResponse, error) {
	path := strings.ReplaceAll(c.statusPath, "{id}", url.PathEscape(sessionID))
	out, _, err := c.DoJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return StatusResponse{}, err
	}
	resp, err := DecodeStatus(out)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("status %s: %w", sessionID, err)
	}
	if resp.SessionID == "" {
		resp.SessionID = sessionID
	}
	return resp, nil
}

var (
	sessionIDChain = alias.Chain{Kind: alias.KindScalar, Paths: []string{"session_id", "sessionId", "analysis_id", "id"}}
	progressChain  = alias.Chain{Kind: alias.KindNumeric, Paths: []string{"progress", "progression", "percent"}}
	overallChain   = alias.Chain{Kind: alias.KindScalar, Paths: []string{"status", "statut", "state"}}
	stagesChain    = alias.Chain{Kind: alias.KindObject, Paths: []string{"stages", "blocs", "blocks", "results"}}
	stageIDChain   = alias.Chain{Kind: alias.KindScalar, Paths: []string{"id", "stage", "bloc", "name"}}
	errorChain     = alias.Chain{Kind: alias.KindScalar, Paths: []string{"error", "erreur", "message"}}
	resultKeys     = []string{"result", "resultat", "data", "output", "analysis"}
)

func DecodeSubmit(blob []byte) (SubmitResponse, error) {
	if !gjson.ValidBytes(blob) {
		return SubmitResponse{}, errors.New("invalid JSON response")
	}
	root := gjson.ParseBytes(blob)
	resp := SubmitResponse{SessionID: alias.Resolve(root, sessionIDChain).Text}
	if resp.SessionID == "" {
		return SubmitResponse{}, errors.New("response has no session id")
	}
	if st := alias.Resolve(root, stagesChain); st.Found {
		st.Raw.ForEach(func(k, v gjson.Result) bool {
			switch {
			case v.Type == gjson.String:
				resp.Stages = append(resp.Stages, v.Str)
			case v.IsObject() && k.Exists():
				resp.Stages = append(resp.Stages, k.String())
			case v.IsObject():
				if id := alias.Resolve(v, stageIDChain).Text; id != "" {
					resp.Stages = append(resp.Stages, id)
				}
			}
			return true
		})
	}
	if first := firstPresent(root, "first_result", "premier_resultat"); first.IsObject() {
		stage := alias.Resolve(first, stageIDChain).Text
		if result := firstPresent(first, resultKeys...); stage != "" && result.Exists() {
			resp.First = &StageResult{Stage: stage, Result: json.RawMessage(result.Raw)}
		}
	}
	return resp, nil
}

// DecodeStatus reads a status answer. Stages may be keyed by id or listed
// with an id member; a bare string is taken as the stage status.
func DecodeStatus(blob []byte) (StatusResponse, error) {
	if !gjson.ValidBytes(blob) {
		return StatusResponse{}, errors.New("invalid JSON response")
	}
	root := gjson.ParseBytes(blob)
	resp := StatusResponse{
		SessionID: alias.Resolve(root, sessionIDChain).Text,
		Status:    alias.Resolve(root, overallChain).Text,
		Stages:    map[string]StageStatus{},
	}
	if p := alias.Resolve(root, progressChain); p.Found && !p.Defaulted {
		resp.Progress = p.Number
	}
	st := alias.Resolve(root, stagesChain)
	if !st.Found {
		return resp, nil
	}
	st.Raw.ForEach(func(k, v gjson.Result) bool {
		id := k.String()
		if !k.Exists() {
			id = alias.Resolve(v, stageIDChain).Text
		}
		if id == "" {
			return true
		}
		resp.Stages[id] = decodeStage(v)
		return true
	})
	return resp, nil
}

func decodeStage(v gjson.Result) StageStatus {
	if v.Type == gjson.String {
		return StageStatus{Status: v.Str}
	}
	out := StageStatus{
		Status: alias.Resolve(v, overallChain).Text,
		Error:  alias.Resolve(v, errorChain).Text,
	}
	if r := firstPresent(v, resultKeys...); r.Exists() {
		out.Result = append(json.RawMessage(nil), r.Raw...)
	}
	return out
}

func firstPresent(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(alias.Path(k)); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}
