package config

import (
	"time"

	redisclient "github.com/vietddude/triage/internal/infra/redis"
	"github.com/vietddude/triage/internal/infra/storage/postgres"
	"github.com/vietddude/triage/internal/triage/guardrail"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Guardrail  guardrail.Config   `yaml:"guardrail"`
	Timeouts   TimeoutConfig      `yaml:"timeouts"`
	Classifier ClassifierConfig   `yaml:"classifier"`
	Executor   ExecutorConfig     `yaml:"executor"`
	Notify     NotifyConfig       `yaml:"notify"`
	Reconcile  ReconcileConfig    `yaml:"reconcile"`
	Tracing    TracingConfig      `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TimeoutConfig bounds every external call the core makes.
type TimeoutConfig struct {
	Classification time.Duration `yaml:"classification"`
	Execution      time.Duration `yaml:"execution"`
}

// ClassifierConfig selects the Classification Port adapter.
type ClassifierConfig struct {
	Type string `yaml:"type"` // heuristic, http
	URL  string `yaml:"url"`
}

// ExecutorConfig selects the retry execution adapter.
type ExecutorConfig struct {
	Type    string        `yaml:"type"` // log, webhook
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	Log          bool   `yaml:"log"`
	RedisChannel string `yaml:"redis_channel"`
	BufferSize   int    `yaml:"buffer_size"`
}

// ReconcileConfig controls the pending attempt reconciler.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// TracingConfig toggles the OpenTelemetry SDK.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Exporter    string `yaml:"exporter"` // stdout, otlp
	Endpoint    string `yaml:"endpoint"` // otlp grpc endpoint
	Insecure    bool   `yaml:"insecure"`
}
