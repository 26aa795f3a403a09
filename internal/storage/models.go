package storage

import (
	"errors"
	"time"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a record is not in a status from which
// the requested change is allowed. Stage workers see it on duplicate deliveries.
var ErrStatusConflict = errors.New("status conflict")

// Job statuses of the SQL queue.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID        string
	Queue     string
	Payload   string
	Status    string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredEvent is a notification persisted for cross-process fan-out.
type StoredEvent struct {
	ID        int64
	Type      string
	Payload   string
	CreatedAt time.Time
}

// ListFilter narrows List. Zero values mean no filter; Limit defaults to 50.
type ListFilter struct {
	Status pipeline.Status
	Limit  int
	Offset int
}
