// Package classifier provides Classification Port adapters.
package classifier

import (
	"context"
	"strings"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

type rule struct {
	keywords       []string
	classification domain.Classification
}

// Rules are checked in order; the first keyword match wins.
var heuristicRules = []rule{
	{
		keywords: []string{"timeout", "connection", "network"},
		classification: domain.Classification{
			ErrorType:           domain.ErrorTypeTransient,
			Severity:            domain.SeverityMedium,
			Confidence:          85,
			SuggestedRetryDelay: 10 * time.Minute,
			Rationale:           "Network or timeout error, typically resolves on retry",
		},
	},
	{
		keywords: []string{"column", "schema", "validation", "data"},
		classification: domain.Classification{
			ErrorType:                  domain.ErrorTypeDataQuality,
			Severity:                   domain.SeverityHigh,
			Confidence:                 90,
			Rationale:                  "Data schema or content validation failure",
			RequiresManualIntervention: true,
		},
	},
	{
		keywords: []string{"access", "permission", "denied", "authentication"},
		classification: domain.Classification{
			ErrorType:                  domain.ErrorTypeConfiguration,
			Severity:                   domain.SeverityHigh,
			Confidence:                 88,
			Rationale:                  "Invalid credentials or insufficient permissions",
			RequiresManualIntervention: true,
		},
	},
}

var fallbackClassification = domain.Classification{
	ErrorType:           domain.ErrorTypeUnknown,
	Severity:            domain.SeverityMedium,
	Confidence:          70,
	SuggestedRetryDelay: 15 * time.Minute,
	Rationale:           "Unrecognized error pattern",
}

// Heuristic classifies failures by keywords in the error message.
type Heuristic struct{}

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (h *Heuristic) Classify(ctx context.Context, ev domain.FailureEvent) (domain.Classification, error) {
	msg := strings.ToLower(ev.ErrorMessage)
	for _, r := range heuristicRules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.classification, nil
			}
		}
	}
	return fallbackClassification, nil
}
