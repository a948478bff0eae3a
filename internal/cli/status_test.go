package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/storage/memory"
	"github.com/vietddude/triage/internal/triage/guardrail"
)

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	now := time.Now()

	d := &domain.Decision{
		ID:          "d1",
		PipelineID:  "etl",
		RunID:       "r1",
		RootRunID:   "r1",
		Environment: domain.EnvironmentProd,
		Action:      domain.ActionRetry,
		Reason:      guardrail.RuleTransientRetry,
		Classification: domain.Classification{
			ErrorType:  domain.ErrorTypeTransient,
			Confidence: 85,
		},
		AttemptRef: "a1",
		DecidedAt:  now,
	}
	a := &domain.AttemptRecord{
		ID:            "a1",
		Key:           domain.RunKey{PipelineID: "etl", RunID: "r1"},
		AttemptNumber: 1,
		Delay:         time.Minute,
		ScheduledAt:   now,
		Outcome:       domain.AttemptOutcomePending,
		ErrorType:     domain.ErrorTypeTransient,
		Environment:   domain.EnvironmentProd,
	}
	require.NoError(t, ledger.RecordDecision(ctx, d, a))

	var buf bytes.Buffer
	require.NoError(t, printStatus(ctx, &buf, ledger, guardrail.DefaultConfig(), 5))

	out := buf.String()
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "etl/r1")
	assert.Contains(t, out, "scheduled")
	assert.Contains(t, out, guardrail.RuleTransientRetry)
}
