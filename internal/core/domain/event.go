package domain

import (
	"fmt"
	"time"
)

// Environment identifies the deployment tier a pipeline runs in.
type Environment string

const (
	EnvironmentProd  Environment = "prod"
	EnvironmentStage Environment = "stage"
	EnvironmentDev   Environment = "dev"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentProd, EnvironmentStage, EnvironmentDev:
		return true
	}
	return false
}

// FailureEvent represents a single observed pipeline failure.
type FailureEvent struct {
	PipelineID      string      `json:"pipeline_id"`
	RunID           string      `json:"run_id"`
	Environment     Environment `json:"environment"`
	ErrorMessage    string      `json:"error_message"`
	ObservedAt      time.Time   `json:"observed_at"`
	OccurrenceIndex int         `json:"occurrence_index"`

	// ParentRunID is set when the monitor knows this run was re-triggered from another run.
	ParentRunID string `json:"parent_run_id,omitempty"`
}

// Key returns the idempotency key of the event.
func (e FailureEvent) Key() EventKey {
	return EventKey{PipelineID: e.PipelineID, RunID: e.RunID, OccurrenceIndex: e.OccurrenceIndex}
}

// Validate checks the fields required to evaluate the event.
func (e FailureEvent) Validate() error {
	if e.PipelineID == "" {
		return fmt.Errorf("pipeline_id is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if !e.Environment.Valid() {
		return fmt.Errorf("invalid environment %q", e.Environment)
	}
	if e.OccurrenceIndex < 0 {
		return fmt.Errorf("occurrence_index must be >= 0, got %d", e.OccurrenceIndex)
	}
	return nil
}

// EventKey uniquely identifies a FailureEvent.
type EventKey struct {
	PipelineID      string
	RunID           string
	OccurrenceIndex int
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.PipelineID, k.RunID, k.OccurrenceIndex)
}

// RunKey identifies one logical pipeline execution. RunID is always the root run of a lineage.
type RunKey struct {
	PipelineID string `json:"pipeline_id"`
	RunID      string `json:"run_id"`
}

func (k RunKey) String() string {
	return k.PipelineID + "/" + k.RunID
}
