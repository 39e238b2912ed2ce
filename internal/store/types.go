package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/faults"
	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return 0
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ParseStatus maps the status words used by the generation backend.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "done", "success", "succeeded", "termine", "terminé":
		return StatusCompleted
	case "error", "failed", "failure", "erreur", "echec", "échec":
		return StatusError
	case "running", "in_progress", "processing", "started", "en_cours":
		return StatusRunning
	default:
		return StatusPending
	}
}

type Session struct {
	ID             string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpectedStages []string  `json:"expected_stages"`
}

type StageRecord struct {
	StageID   string              `json:"stage_id"`
	Status    Status              `json:"status"`
	Raw       json.RawMessage     `json:"raw,omitempty"`
	Canonical *normalize.Analysis `json:"canonical,omitempty"`
	Manifest  normalize.Manifest  `json:"manifest,omitempty"`
	Error     string              `json:"error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Update is one stage observation from the backend.
type Update struct {
	Status Status
	Raw    json.RawMessage
	Error  string
}

// Change is delivered to subscribers after every mutation.
type Change struct {
	SessionID string
	StageID   string
	Status    Status
	Complete  bool
	Faults    []*faults.Error
}

type PersistedSession struct {
	SessionID      string                 `json:"session_id"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpectedStages []string               `json:"expected_stages"`
	SchemaVersion  int                    `json:"schema_version"`
	Stages         map[string]StageRecord `json:"stages"`
	SavedAt        time.Time              `json:"saved_at"`
}

// Recorder receives store metrics.
type Recorder interface {
	StageMerged(stage, status string)
	NormalizationGaps(stage string, n int)
	PersistenceFailed()
}

type nopRecorder struct{}

func (nopRecorder) StageMerged(string, string)    {}
func (nopRecorder) NormalizationGaps(string, int) {}
func (nopRecorder) PersistenceFailed()            {}
