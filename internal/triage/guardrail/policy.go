// Package guardrail maps a classification, the attempt history of a run and
// rolling retry statistics to an action. It performs no I/O.
package guardrail

import (
	"fmt"
	"math"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

const (
	DefaultMaxRetryAttempts    = 3
	DefaultConfidenceThreshold = 75
	DefaultMinRetryDelay       = 60 * time.Second
	DefaultBackoffCeiling      = time.Hour

	// Threshold adjustment from rolling statistics.
	MinStatsSamples   = 10
	HighSuccessRate   = 0.8
	LowSuccessRate    = 0.3
	MaxThresholdShift = 10
	MinThreshold      = 50
	MaxThreshold      = 90
)

// Rule names, recorded as the decision reason.
const (
	RuleManualIntervention = "manual_intervention_required"
	RuleAttemptsExhausted  = "attempts_exhausted"
	RuleLowConfidence      = "confidence_below_threshold"
	RuleTransientRetry     = "transient_retry"
	RuleRequiresCorrection = "requires_human_correction"
	RuleUnknownError       = "unknown_error_type"
)

// Config holds the policy settings.
type Config struct {
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	ConfidenceThreshold int           `yaml:"confidence_threshold"`
	MinRetryDelay       time.Duration `yaml:"min_retry_delay"`
	BackoffCeiling      time.Duration `yaml:"backoff_ceiling"`
}

// DefaultConfig returns the default policy settings.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:    DefaultMaxRetryAttempts,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MinRetryDelay:       DefaultMinRetryDelay,
		BackoffCeiling:      DefaultBackoffCeiling,
	}
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be >= 0, got %d", c.MaxRetryAttempts)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence_threshold must be within 0-100, got %d", c.ConfidenceThreshold)
	}
	if c.MinRetryDelay <= 0 {
		return fmt.Errorf("min_retry_delay must be positive, got %s", c.MinRetryDelay)
	}
	if c.BackoffCeiling <= 0 {
		return fmt.Errorf("backoff_ceiling must be positive, got %s", c.BackoffCeiling)
	}
	return nil
}

// Input is everything the policy looks at.
type Input struct {
	Classification domain.Classification
	AttemptCount   int
	Stats          domain.RollingStats
}

// Verdict is the outcome of Decide.
type Verdict struct {
	Action    domain.Action
	Delay     time.Duration // set iff Action is retry
	Threshold int           // effective confidence threshold used
	Rule      string
}

// Decide evaluates the rules in order; the first match wins.
func Decide(cfg Config, in Input) Verdict {
	c := in.Classification
	threshold := EffectiveThreshold(cfg.ConfidenceThreshold, in.Stats)
	v := Verdict{Threshold: threshold}

	switch {
	case c.RequiresManualIntervention:
		v.Action, v.Rule = domain.ActionEscalate, RuleManualIntervention
	case in.AttemptCount >= cfg.MaxRetryAttempts:
		v.Action, v.Rule = domain.ActionEscalate, RuleAttemptsExhausted
	case c.Confidence < threshold:
		v.Action, v.Rule = domain.ActionAlert, RuleLowConfidence
	case c.ErrorType == domain.ErrorTypeTransient:
		v.Action, v.Rule = domain.ActionRetry, RuleTransientRetry
		v.Delay = RetryDelay(cfg, c.SuggestedRetryDelay, in.AttemptCount)
	case c.ErrorType == domain.ErrorTypeDataQuality, c.ErrorType == domain.ErrorTypeConfiguration:
		v.Action, v.Rule = domain.ActionAlert, RuleRequiresCorrection
	default:
		v.Action, v.Rule = domain.ActionAlert, RuleUnknownError
	}
	return v
}

// EffectiveThreshold adjusts base by the rolling success rate. With fewer than
// MinStatsSamples the base is used as is. The result is always within [MinThreshold, MaxThreshold].
func EffectiveThreshold(base int, stats domain.RollingStats) int {
	t := base
	if stats.RetryCount >= MinStatsSamples {
		rate := stats.SuccessRate()
		switch {
		case rate > HighSuccessRate:
			t -= int(math.Round(MaxThresholdShift * (rate - HighSuccessRate) / (1 - HighSuccessRate)))
		case rate < LowSuccessRate:
			t += int(math.Round(MaxThresholdShift * (LowSuccessRate - rate) / LowSuccessRate))
		}
	}
	return min(max(t, MinThreshold), MaxThreshold)
}

// RetryDelay returns max(suggested, min_retry_delay) * 2^attempts, capped at the backoff ceiling.
func RetryDelay(cfg Config, suggested time.Duration, attempts int) time.Duration {
	d := max(suggested, cfg.MinRetryDelay)
	if d >= cfg.BackoffCeiling {
		return cfg.BackoffCeiling
	}
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cfg.BackoffCeiling {
			return cfg.BackoffCeiling
		}
	}
	return d
}
