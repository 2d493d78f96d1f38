package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	HeartbeatAt time.Time // zero until the first heartbeat
	LastError   string
}

// Run is one audited execution of the question-answering chain.
type Run struct {
	ID           string
	Agent        string
	Model        string
	ManifestJSON string
	Status       string // "running", "ok", "failed"
	Error        string
	CreatedAt    time.Time
	CompletedAt  time.Time
	Events       []RunEvent
}

// RunEvent is a tool call or artifact logged against a run.
type RunEvent struct {
	ID         int64
	Kind       string // "tool_call" or "artifact"
	Name       string
	InputJSON  string
	OutputJSON string
	OK         bool
	CreatedAt  time.Time
}
