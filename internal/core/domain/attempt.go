package domain

import "time"

// AttemptOutcome is the lifecycle label of a retry attempt.
type AttemptOutcome string

const (
	AttemptOutcomePending    AttemptOutcome = "pending"
	AttemptOutcomeSucceeded  AttemptOutcome = "succeeded"
	AttemptOutcomeFailed     AttemptOutcome = "failed"
	AttemptOutcomeTimedOut   AttemptOutcome = "timed_out"
	AttemptOutcomeSuperseded AttemptOutcome = "superseded"
)

// Terminal reports whether the outcome is final.
func (o AttemptOutcome) Terminal() bool {
	switch o {
	case AttemptOutcomeSucceeded, AttemptOutcomeFailed, AttemptOutcomeTimedOut, AttemptOutcomeSuperseded:
		return true
	}
	return false
}

// CountsTowardStats reports whether the outcome is a completed retry for rolling statistics.
// Superseded attempts never ran to completion and are excluded.
func (o AttemptOutcome) CountsTowardStats() bool {
	return o == AttemptOutcomeSucceeded || o == AttemptOutcomeFailed || o == AttemptOutcomeTimedOut
}

// AttemptRecord is one retry attempt tied to a run.
type AttemptRecord struct {
	ID            string         `json:"id"`
	Key           RunKey         `json:"key"`
	AttemptNumber int            `json:"attempt_number"`
	Delay         time.Duration  `json:"delay"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Outcome       AttemptOutcome `json:"outcome"`

	// Category of the failure that caused the attempt, used to attribute the outcome to rolling statistics.
	ErrorType   ErrorType   `json:"error_type"`
	Environment Environment `json:"environment"`
}

// DueAt returns when the attempt should start executing.
func (a *AttemptRecord) DueAt() time.Time {
	return a.ScheduledAt.Add(a.Delay)
}
