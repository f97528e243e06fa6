// Package run owns the lifecycle state machine for autonomous goal
// executions. Every state change is persisted to the causal chain before it
// is reflected in memory, so replaying a session's rows reproduces the
// live state exactly.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/budget"
	"github.com/Mindburn-Labs/keel/pkg/predicate"
)

// State is the lifecycle position of a run.
type State string

const (
	StateActive              State = "Active"
	StatePausedApproval      State = "PausedApproval"
	StatePausedExternalEvent State = "PausedExternalEvent"
	StateDone                State = "Done"
	StateFailed              State = "Failed"
	StateCancelled           State = "Cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StatePausedApproval, StatePausedExternalEvent,
		StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// validTransition enumerates the allowed state machine edges. Cancellation
// is allowed from every non-terminal state.
func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	switch from {
	case StateActive:
		return to == StatePausedApproval || to == StatePausedExternalEvent ||
			to == StateDone || to == StateFailed
	case StatePausedApproval:
		return to == StateActive || to == StateFailed
	case StatePausedExternalEvent:
		return to == StateActive || to == StateFailed
	}
	return false
}

// Run is one autonomous goal execution: session-scoped, budget-bounded,
// never deleted. Terminal runs stay in memory for audit until their session
// is unloaded.
type Run struct {
	RunID     string
	SessionID string
	PlanID    string
	State     State
	Budget    *budget.Context
	Predicate *predicate.Predicate
	CreatedAt time.Time
}

// Admission is the correlation handle returned for an admitted call. The
// caller reports actual usage against it when the capability finishes.
type Admission struct {
	RunID    string
	ActionID string
	Estimate budget.Usage
	Result   budget.CheckResult
}

var (
	// ErrRunNotFound is returned for run ids the manager does not hold.
	ErrRunNotFound = errors.New("run: not found")
	// ErrRunAlreadyActive is returned when a session already has a run in a
	// non-terminal state.
	ErrRunAlreadyActive = errors.New("run: session already has an active run")
	// ErrRunNotAdmissible rejects capability calls while a run is paused or
	// terminal.
	ErrRunNotAdmissible = errors.New("run: not admissible")
	// ErrInvalidTransition rejects state machine edges that do not exist.
	ErrInvalidTransition = errors.New("run: invalid transition")
)

// TransitionError carries the rejected edge.
type TransitionError struct {
	RunID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ApprovalNotifier receives budget exhaustion events that need a human or
// policy decision before the run can continue.
type ApprovalNotifier interface {
	ApprovalRequired(runID string, dimension budget.Dimension, consumed, limit int64)
}

// NotifierFunc adapts a function to ApprovalNotifier.
type NotifierFunc func(runID string, dimension budget.Dimension, consumed, limit int64)

func (f NotifierFunc) ApprovalRequired(runID string, dimension budget.Dimension, consumed, limit int64) {
	f(runID, dimension, consumed, limit)
}
