package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindPollTransient      Kind = "poll_transient"
	KindStageFailure       Kind = "stage_failure"
	KindNormalizationGap   Kind = "normalization_gap"
	KindPersistenceFailure Kind = "persistence_failure"
)

// Error is the engine's error taxonomy. Only stage and persistence failures
// are surfaced to consumers; the other kinds are logged and absorbed.
type Error struct {
	Kind      Kind
	Stage     string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Surfaced reports whether consumers should be told about this error.
func (e *Error) Surfaced() bool {
	return e.Kind == KindStageFailure || e.Kind == KindPersistenceFailure
}

func PollTransient(err error) *Error {
	return &Error{Kind: KindPollTransient, Message: "status poll failed", Transient: true, Err: err}
}

func StageFailure(stage, detail string) *Error {
	if detail == "" {
		detail = "stage reported error"
	}
	return &Error{Kind: KindStageFailure, Stage: stage, Message: detail}
}

func NormalizationGap(stage, field, reason string) *Error {
	return &Error{Kind: KindNormalizationGap, Stage: stage, Message: field + " " + reason}
}

func PersistenceFailure(err error) *Error {
	return &Error{Kind: KindPersistenceFailure, Message: "persist session", Err: err}
}

func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
