// Package history persists workflow run histories. A run's history is the
// durable ground truth: an ordered, append-only event sequence. State columns
// on the run row exist only for listing and resume scans; replay never trusts
// them over the events.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

var (
	ErrRunExists        = errors.New("run already exists with this ID")
	ErrRunNotFound      = errors.New("run not found")
	ErrSequenceConflict = errors.New("history sequence conflict")
)

// Run is the row-level view of a workflow run.
type Run struct {
	ID              string         `json:"id"`
	Input           workflow.Input `json:"input"`
	State           workflow.State `json:"state"`
	CancelRequested bool           `json:"cancel_requested"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Store is the append-only history store. Append enforces single-writer
// discipline per run: an event whose Seq is not exactly one past the last
// committed event fails with ErrSequenceConflict and nothing is written.
// Writes to different runs are independent.
type Store interface {
	// CreateRun inserts the run row and its run.started event in one
	// transaction. Starting an existing ID returns ErrRunExists.
	CreateRun(ctx context.Context, run Run, first workflow.Event) error

	// Append commits one event and the resulting run state atomically.
	Append(ctx context.Context, runID string, ev workflow.Event, state workflow.State) error

	// Load returns the run row and its full ordered history.
	Load(ctx context.Context, runID string) (Run, []workflow.Event, error)

	// List returns runs filtered by state; an empty filter returns all.
	List(ctx context.Context, states []workflow.State) ([]Run, error)

	// RequestCancel flags the run for cancellation at its next suspension
	// point. Cancelling a terminal run is a no-op.
	RequestCancel(ctx context.Context, runID string) error
}
