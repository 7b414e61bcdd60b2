package queue

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Status is a job lifecycle state, stored as a plain string so records
// stay readable in the store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of work. Payload and Result are raw JSON so callers keep
// their own schemas; the queue never looks inside either.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Processor handles jobs of one registered type. It receives the job with
// Status processing and the current attempt already counted. A nil error
// marks the job completed with the returned result; an error requeues it
// until MaxAttempts is spent, then fails it. The ctx carries the
// configured per-job deadline; long processors must honor it.
type Processor func(ctx context.Context, job *Job) (json.RawMessage, error)
