package domain

import "time"

// Action is the engine's resolved response to a failure.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionAlert    Action = "alert"
	ActionEscalate Action = "escalate"
	ActionNoAction Action = "no_action"
)

// Notifiable reports whether decisions with this action reach the Notification Port.
func (a Action) Notifiable() bool {
	return a == ActionAlert || a == ActionEscalate
}

// Decision is the engine's resolved action for one FailureEvent. Immutable once persisted.
type Decision struct {
	ID              string         `json:"id"`
	PipelineID      string         `json:"pipeline_id"`
	RunID           string         `json:"run_id"`
	RootRunID       string         `json:"root_run_id"`
	OccurrenceIndex int            `json:"occurrence_index"`
	Environment     Environment    `json:"environment"`
	Action          Action         `json:"action"`
	Reason          string         `json:"reason"`
	Threshold       int            `json:"threshold"`
	Classification  Classification `json:"classification"`
	AttemptRef      string         `json:"attempt_ref,omitempty"`
	DecidedAt       time.Time      `json:"decided_at"`
}

// EventKey returns the key of the FailureEvent the decision resolves.
func (d *Decision) EventKey() EventKey {
	return EventKey{PipelineID: d.PipelineID, RunID: d.RunID, OccurrenceIndex: d.OccurrenceIndex}
}

// RunKey returns the root run key of the decision.
func (d *Decision) RunKey() RunKey {
	return RunKey{PipelineID: d.PipelineID, RunID: d.RootRunID}
}

// RunState is the per-run decision state kept by the ledger.
type RunState struct {
	Key            RunKey
	AttemptCount   int
	LastDecisionAt time.Time
}
