package journal

import (
	"context"
	"errors"
	"time"
)

// Outcome is the terminal result of one call attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

var ErrNotFound = errors.New("journal entry not found")

// Entry is one call attempt: who was called, over which transport, and how
// it ended. Active calls have an empty Outcome.
type Entry struct {
	ID               string    `json:"id"`
	WorkflowID       string    `json:"workflow_id"`
	WorkflowRunID    string    `json:"workflow_run_id"`
	PeerConnectionID string    `json:"pc_id"`
	Transport        string    `json:"transport"`
	Outcome          Outcome   `json:"outcome,omitempty"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at,omitzero"`
}

// Store persists the call journal. The postgres store is used when a
// database is configured; otherwise entries live in memory for the life of
// the process.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Finish(ctx context.Context, id string, outcome Outcome, errMsg string, endedAt time.Time) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
