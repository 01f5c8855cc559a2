package controller

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrStartupFailed is returned when a composition cannot reach running.
	ErrStartupFailed = errors.New("composition startup failed")

	// ErrNotRunning is returned for operations requiring an active run.
	ErrNotRunning = errors.New("composition is not running")

	// ErrAlreadyRunning is returned when starting an already-active composition.
	ErrAlreadyRunning = errors.New("composition is already running")
)

// StartupError names the first service whose start attempts were exhausted.
// Services already started when the failure occurred have been torn down.
type StartupError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("service %s failed to start after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

func (e *StartupError) Unwrap() error {
	return ErrStartupFailed
}
