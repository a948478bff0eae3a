package orchestrator

import (
	"github.com/vietddude/triage/internal/core/domain"
)

// State is the per-run retry state.
type State string

const (
	StateIdle       State = "idle"
	StateScheduled  State = "scheduled"
	StateExecuting  State = "executing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateSuperseded State = "superseded"
)

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
// Scheduled -> Idle is the silent drop of an attempt that was never confirmed.
var ValidTransitions = map[State][]State{
	StateIdle:       {StateScheduled},
	StateScheduled:  {StateExecuting, StateSuperseded, StateIdle},
	StateExecuting:  {StateSucceeded, StateFailed, StateTimedOut},
	StateSucceeded:  {StateScheduled, StateIdle},
	StateFailed:     {StateScheduled, StateIdle},
	StateTimedOut:   {StateScheduled, StateIdle},
	StateSuperseded: {StateScheduled, StateIdle},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// InFlight reports whether a retry is scheduled or executing.
func (s State) InFlight() bool {
	return s == StateScheduled || s == StateExecuting
}

// Terminal reports whether s is a final attempt state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateSuperseded:
		return true
	}
	return false
}

func stateFor(outcome domain.AttemptOutcome) State {
	switch outcome {
	case domain.AttemptOutcomeSucceeded:
		return StateSucceeded
	case domain.AttemptOutcomeFailed:
		return StateFailed
	case domain.AttemptOutcomeTimedOut:
		return StateTimedOut
	case domain.AttemptOutcomeSuperseded:
		return StateSuperseded
	}
	return StateIdle
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - no retry in flight"
	case StateScheduled:
		return "Scheduled - waiting for backoff delay"
	case StateExecuting:
		return "Executing - waiting for completion report"
	case StateSucceeded:
		return "Succeeded - retry completed successfully"
	case StateFailed:
		return "Failed - retry completed with failure"
	case StateTimedOut:
		return "Timed out - no completion within execution timeout"
	case StateSuperseded:
		return "Superseded - cancelled before execution"
	default:
		return "Unknown state"
	}
}
