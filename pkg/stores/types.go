// Package stores persists run history. The SQLite implementation keeps one
// row per run, one per instance outcome, and the collected outputs, so that
// past runs can be inspected after the process exits.
package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunRecord is one persisted run.
type RunRecord struct {
	ID          string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	// SummaryJSON is the JSON-encoded run summary.
	SummaryJSON string
	CreatedAt   time.Time
}

// InstanceRecord is one persisted instance outcome.
type InstanceRecord struct {
	RunID      string
	InstanceID string
	Type       string
	Status     string
	Identity   string
	// OutputsJSON is the JSON-encoded provider outputs.
	OutputsJSON string
	Error       string
	BlockedBy   string
	Attempts    int
	DurationMS  int64
}

// OutputRecord is one persisted output value.
type OutputRecord struct {
	RunID string
	Name  string
	// ValueJSON is the JSON-encoded value; empty when unavailable.
	ValueJSON string
	Available bool
	// Reason explains why an output was unavailable.
	Reason string
}

// Store is the persistence interface for run history.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	SaveRun(ctx context.Context, run *RunRecord) error
	SaveInstances(ctx context.Context, runID string, instances []*InstanceRecord) error
	SaveOutputs(ctx context.Context, runID string, outputs []*OutputRecord) error

	GetRun(ctx context.Context, id string) (*RunRecord, error)
	LatestRun(ctx context.Context) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
	ListInstances(ctx context.Context, runID string) ([]*InstanceRecord, error)
	ListOutputs(ctx context.Context, runID string) ([]*OutputRecord, error)
}
