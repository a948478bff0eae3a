package domain

// RollingStats aggregates retry outcomes per error type and environment.
type RollingStats struct {
	ErrorType         ErrorType   `json:"error_type"`
	Environment       Environment `json:"environment"`
	RetryCount        int         `json:"retry_count"`
	RetrySuccessCount int         `json:"retry_success_count"`
}

// SuccessRate returns success_count / max(retry_count, 1).
func (s RollingStats) SuccessRate() float64 {
	return float64(s.RetrySuccessCount) / float64(max(s.RetryCount, 1))
}

// Apply folds one terminal outcome into the aggregate.
func (s RollingStats) Apply(outcome AttemptOutcome) RollingStats {
	if !outcome.CountsTowardStats() {
		return s
	}
	s.RetryCount++
	if outcome == AttemptOutcomeSucceeded {
		s.RetrySuccessCount++
	}
	return s
}

// StatsKey identifies a RollingStats aggregate.
type StatsKey struct {
	ErrorType   ErrorType
	Environment Environment
}

func (k StatsKey) String() string {
	return string(k.ErrorType) + ":" + string(k.Environment)
}
