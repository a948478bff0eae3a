package domain

import "time"

// Notification is what the Notification Port receives for every alert or escalation.
type Notification struct {
	DecisionID     string         `json:"decision_id,omitempty"`
	AttemptID      string         `json:"attempt_id,omitempty"`
	PipelineID     string         `json:"pipeline_id"`
	RunID          string         `json:"run_id"`
	Environment    Environment    `json:"environment"`
	Action         Action         `json:"action"`
	Reason         string         `json:"reason"`
	Classification Classification `json:"classification"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NotificationFor builds the notification of a finalized decision.
func NotificationFor(d *Decision, ev FailureEvent) Notification {
	return Notification{
		DecisionID:     d.ID,
		PipelineID:     d.PipelineID,
		RunID:          d.RunID,
		Environment:    d.Environment,
		Action:         d.Action,
		Reason:         d.Reason,
		Classification: d.Classification,
		ErrorMessage:   ev.ErrorMessage,
		CreatedAt:      d.DecidedAt,
	}
}
