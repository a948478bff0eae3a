package domain

import (
	"fmt"
	"time"
)

// ErrorType is the failure category assigned by a classifier.
type ErrorType string

const (
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypeDataQuality   ErrorType = "data_quality"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// Valid reports whether t is a known error type.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorTypeTransient, ErrorTypeDataQuality, ErrorTypeConfiguration, ErrorTypeUnknown:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is a judgment of a FailureEvent's cause and recommended handling.
type Classification struct {
	ErrorType                  ErrorType     `json:"error_type"`
	Severity                   Severity      `json:"severity"`
	Confidence                 int           `json:"confidence"`
	SuggestedRetryDelay        time.Duration `json:"suggested_retry_delay"`
	Rationale                  string        `json:"rationale"`
	RequiresManualIntervention bool          `json:"requires_manual_intervention"`
}

// UnknownClassification is used when no classifier verdict is available.
func UnknownClassification(rationale string) Classification {
	return Classification{
		ErrorType:  ErrorTypeUnknown,
		Severity:   SeverityHigh,
		Confidence: 0,
		Rationale:  rationale,
	}
}

// Validate checks ranges of a classifier-supplied classification.
func (c Classification) Validate() error {
	if !c.ErrorType.Valid() {
		return fmt.Errorf("invalid error_type %q", c.ErrorType)
	}
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("confidence must be within 0-100, got %d", c.Confidence)
	}
	if c.SuggestedRetryDelay < 0 {
		return fmt.Errorf("suggested_retry_delay must be >= 0, got %s", c.SuggestedRetryDelay)
	}
	return nil
}
