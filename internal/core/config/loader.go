package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/triage/internal/triage/guardrail"
)

const (
	DefaultClassificationTimeout = 30 * time.Second
	DefaultExecutionTimeout      = 15 * time.Minute
	DefaultExecutorTimeout       = 10 * time.Second
	DefaultReconcileInterval     = time.Minute
	DefaultNotifyBuffer          = 256
)

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content over the defaults and validates the result.
// Keys absent from the file keep their default; keys present with a zero value
// are taken as written and must pass validation.
func Parse(data []byte) (*AppConfig, error) {
	cfg := Defaults()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the configuration used for every key a file leaves out.
func Defaults() AppConfig {
	return AppConfig{
		Server:    ServerConfig{Port: 8080},
		Logging:   LoggingConfig{Level: "info"},
		Guardrail: guardrail.DefaultConfig(),
		Timeouts: TimeoutConfig{
			Classification: DefaultClassificationTimeout,
			Execution:      DefaultExecutionTimeout,
		},
		Classifier: ClassifierConfig{Type: "heuristic"},
		Executor:   ExecutorConfig{Type: "log", Timeout: DefaultExecutorTimeout},
		Notify:     NotifyConfig{BufferSize: DefaultNotifyBuffer},
		Reconcile:  ReconcileConfig{Interval: DefaultReconcileInterval},
		Tracing:    TracingConfig{ServiceName: "triage", Exporter: "stdout"},
	}
}

// applyDefaults fills names left blank, e.g. by an unset ${ENV} reference.
// Numeric settings are never defaulted here.
func (c *AppConfig) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Classifier.Type == "" {
		c.Classifier.Type = "heuristic"
	}
	if c.Executor.Type == "" {
		c.Executor.Type = "log"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "triage"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

// Validate rejects out-of-range values.
func (c *AppConfig) Validate() error {
	if err := c.Guardrail.Validate(); err != nil {
		return &ValidationError{Field: "guardrail", Value: fmt.Sprintf("%+v", c.Guardrail), Reason: err.Error()}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"timeouts.classification", c.Timeouts.Classification},
		{"timeouts.execution", c.Timeouts.Execution},
		{"executor.timeout", c.Executor.Timeout},
		{"reconcile.interval", c.Reconcile.Interval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return &ValidationError{Field: d.field, Value: d.value.String(), Reason: "must be positive"}
		}
	}

	switch c.Classifier.Type {
	case "heuristic":
	case "http":
		if c.Classifier.URL == "" {
			return &ValidationError{Field: "classifier.url", Reason: "required for http classifier"}
		}
	default:
		return &ValidationError{Field: "classifier.type", Value: c.Classifier.Type, Reason: "unknown classifier"}
	}

	switch c.Executor.Type {
	case "log":
	case "webhook":
		if c.Executor.URL == "" {
			return &ValidationError{Field: "executor.url", Reason: "required for webhook executor"}
		}
	default:
		return &ValidationError{Field: "executor.type", Value: c.Executor.Type, Reason: "unknown executor"}
	}

	if c.Notify.RedisChannel != "" && c.Redis.URL == "" {
		return &ValidationError{Field: "notify.redis_channel", Value: c.Notify.RedisChannel, Reason: "requires redis.url"}
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return &ValidationError{Field: "tracing.endpoint", Reason: "required for otlp exporter"}
			}
		default:
			return &ValidationError{Field: "tracing.exporter", Value: c.Tracing.Exporter, Reason: "unknown exporter"}
		}
	}
	// Port 0 listens on an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Value: fmt.Sprint(c.Server.Port), Reason: "must be within 0-65535"}
	}
	if c.Notify.BufferSize <= 0 {
		return &ValidationError{Field: "notify.buffer_size", Value: fmt.Sprint(c.Notify.BufferSize), Reason: "must be positive"}
	}
	return nil
}
