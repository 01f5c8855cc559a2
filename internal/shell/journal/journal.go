// Package journal persists composition runs, lifecycle transitions, and
// bootstrap execution records.
package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dfxkuma/mixir-stack/internal/core/stack"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateBootstrap is returned when recording a bootstrap execution
	// that already exists for the (volume, script) pair.
	ErrDuplicateBootstrap = errors.New("bootstrap already recorded for volume and script")

	// ErrConnectionFailed is returned when the database connection fails.
	ErrConnectionFailed = errors.New("journal connection failed")

	// ErrMigrationFailed is returned when schema migration fails.
	ErrMigrationFailed = errors.New("journal migration failed")
)

// JournalError wraps journal failures with operation context.
type JournalError struct {
	Op      string
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *JournalError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *JournalError) Unwrap() error {
	return e.Err
}

// NewJournalError creates a new JournalError.
func NewJournalError(op, entity, id, message string, err error) *JournalError {
	return &JournalError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Journal Interface
// =============================================================================

// Journal records the observable history of a composition. Transition
// sequence numbers are strictly monotonic within the journal, so the realized
// start and stop order of a run can be reconstructed after the fact.
type Journal interface {
	// Runs
	BeginRun(ctx context.Context, run *stack.Run) error
	FinishRun(ctx context.Context, runID string, status stack.RunStatus) error
	GetRun(ctx context.Context, runID string) (*stack.Run, error)

	// Transitions
	RecordTransition(ctx context.Context, event *stack.TransitionEvent) (int64, error)
	ListTransitions(ctx context.Context, runID string) ([]stack.TransitionEvent, error)

	// Bootstrap executions. HasBootstrapRun reports whether a (volume, script)
	// pair has a recorded execution, across all runs.
	RecordBootstrap(ctx context.Context, record *stack.BootstrapRecord) error
	HasBootstrapRun(ctx context.Context, volume, script string) (bool, error)

	Close() error
}
