// Package stack holds the domain types shared by the composition shell:
// the per-service lifecycle state machine, composition runs, and the event
// records the journal persists.
package stack

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

// ErrInvalidTransition is returned for disallowed state changes.
var ErrInvalidTransition = errors.New("invalid service state transition")

// =============================================================================
// Service State
// =============================================================================

// ServiceState is the lifecycle state of one service within a composition.
type ServiceState string

const (
	StatePending  ServiceState = "pending"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateStopped  ServiceState = "stopped"
	StateFailed   ServiceState = "failed"
)

// Terminal reports whether no further transitions can happen without an
// explicit restart.
func (s ServiceState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[ServiceState][]ServiceState{
	StatePending:  {StateStarting},
	StateStarting: {StateRunning, StateFailed, StateStarting, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting, StateStopping},
}

// ValidateTransition checks if a state transition is allowed.
// Starting->Starting covers restart-policy retries of a failed attempt.
func ValidateTransition(from, to ServiceState) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Service Status
// =============================================================================

// ServiceStatus is the controller-owned record for one service. The
// controller entry owns it exclusively; nothing else mutates it.
type ServiceStatus struct {
	Name        string       `json:"name"`
	State       ServiceState `json:"state"`
	ContainerID string       `json:"container_id,omitempty"`
	Attempts    int          `json:"attempts"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty"`
}

// Transition moves the status to a new state, validating the edge.
func (s *ServiceStatus) Transition(to ServiceState) error {
	if err := ValidateTransition(s.State, to); err != nil {
		return err
	}
	s.State = to

	now := time.Now().UTC()
	switch to {
	case StateRunning:
		s.StartedAt = &now
		s.Error = ""
	case StateStopped:
		s.StoppedAt = &now
	}
	return nil
}

// =============================================================================
// Composition Run
// =============================================================================

// RunStatus is the overall status of one composition run.
type RunStatus string

const (
	RunStarting RunStatus = "starting"
	RunRunning  RunStatus = "running"
	RunStopped  RunStatus = "stopped"
	RunFailed   RunStatus = "failed"
)

// Run identifies one start-to-stop lifetime of a composition.
type Run struct {
	ID         string     `json:"id"`
	Stack      string     `json:"stack"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a run record for a composition.
func NewRun(stackName string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Stack:     stackName,
		Status:    RunStarting,
		StartedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Journal Records
// =============================================================================

// TransitionEvent is one persisted lifecycle transition. Seq is assigned by
// the journal and is strictly monotonic within a run, which makes realized
// start and stop order auditable after the fact.
type TransitionEvent struct {
	Seq     int64        `json:"seq"`
	RunID   string       `json:"run_id"`
	Service string       `json:"service"`
	From    ServiceState `json:"from"`
	To      ServiceState `json:"to"`
	Detail  string       `json:"detail,omitempty"`
	At      time.Time    `json:"at"`
}

// BootstrapRecord marks one executed bootstrap script. The (volume, script)
// pair is unique for the lifetime of the volume.
type BootstrapRecord struct {
	RunID      string    `json:"run_id"`
	Volume     string    `json:"volume"`
	Script     string    `json:"script"`
	ExitCode   int       `json:"exit_code"`
	ExecutedAt time.Time `json:"executed_at"`
}
