package domain

import "errors"

var (
	// ErrInvalidEvent is returned when a failure event lacks required fields.
	ErrInvalidEvent = errors.New("invalid failure event")

	// ErrDuplicateEvent is returned when a (pipeline_id, run_id, occurrence_index) was already decided.
	ErrDuplicateEvent = errors.New("duplicate failure event")

	// ErrClassificationUnavailable is returned when the classifier errors or times out.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrLedgerUnavailable is returned when the audit ledger cannot durably record or read.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrRetryAlreadyInFlight is returned when a retry is already scheduled or executing for the run.
	ErrRetryAlreadyInFlight = errors.New("retry already in flight")

	// ErrAttemptNotFound is returned for unknown attempt references.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrAttemptFinalized is returned when an outcome is recorded for an attempt that is already terminal.
	ErrAttemptFinalized = errors.New("attempt already finalized")

	// ErrCancelNotGuaranteed is returned by Cancel once the attempt is executing.
	ErrCancelNotGuaranteed = errors.New("attempt already executing, cancellation not guaranteed")

	// ErrInvalidTransition is returned when a retry state machine transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)
