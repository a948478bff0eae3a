package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/triage/internal/api"
	"github.com/vietddude/triage/internal/core/config"
	"github.com/vietddude/triage/internal/core/worker"
	"github.com/vietddude/triage/internal/infra/classifier"
	"github.com/vietddude/triage/internal/infra/executor"
	"github.com/vietddude/triage/internal/infra/notify"
	redisclient "github.com/vietddude/triage/internal/infra/redis"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/infra/storage/memory"
	"github.com/vietddude/triage/internal/infra/storage/postgres"
	"github.com/vietddude/triage/internal/infra/telemetry"
	"github.com/vietddude/triage/internal/triage/engine"
	"github.com/vietddude/triage/internal/triage/health"
	"github.com/vietddude/triage/internal/triage/orchestrator"
)

// The Redis guard names its holder in run status responses.
var _ orchestrator.HolderLookup = (*redisclient.Client)(nil)

// App is the main application struct that manages the triage service lifecycle.
type App struct {
	cfg        *config.AppConfig
	configPath string

	ledger       storage.Ledger
	engine       *engine.Engine
	orchestrator *orchestrator.Orchestrator
	dispatcher   *notify.Dispatcher
	reconciler   *worker.Reconciler
	healthMon    *health.Monitor
	server       *api.Server

	db            *postgres.DB
	redisClient   *redisclient.Client
	traceShutdown telemetry.Shutdown

	cancel context.CancelFunc
	group  *errgroup.Group
	log    *slog.Logger
}

// NewApp creates a new App with all dependencies initialized. When configPath is
// not empty the file is watched and reloaded while the app runs.
func NewApp(ctx context.Context, cfg *config.AppConfig, configPath string) (*App, error) {
	a := &App{cfg: cfg, configPath: configPath, log: slog.Default()}

	traceShutdown, err := telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	a.traceShutdown = traceShutdown

	// 1. Initialize Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		a.db = db
		a.ledger = postgres.NewLedger(db)
		slog.Info("Using PostgreSQL ledger")
	} else {
		a.ledger = memory.NewLedger()
		slog.Warn("Using in-memory ledger, decisions will not survive a restart")
	}

	// 2. Initialize Redis
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using local in-flight guard only", "error", err)
		} else {
			a.redisClient = client
		}
	}

	// 3. Ports
	cls, err := newClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	exec, err := newExecutor(cfg.Executor)
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(cfg.Notify.BufferSize, a.sinks()...)

	// 4. Core
	var guard orchestrator.Guard
	if a.redisClient != nil {
		guard = a.redisClient
	}
	a.orchestrator = orchestrator.New(orchestrator.Config{
		ExecutionTimeout: cfg.Timeouts.Execution,
	}, exec, guard)

	a.engine = engine.New(engineConfig(cfg), a.ledger, cls, a.orchestrator, a.dispatcher)
	a.orchestrator.SetReporter(a.engine)

	a.reconciler = worker.NewReconciler(a.ledger, a.orchestrator, cfg.Reconcile.Interval)

	// 5. Health and API
	a.healthMon = health.NewMonitor(a.ledger, a.orchestrator.InFlight)
	a.healthMon.AddCritical("ledger", a.ledger)
	if a.redisClient != nil {
		a.healthMon.AddOptional("redis", a.redisClient)
	}
	a.server = api.NewServer(a.engine, a.ledger, a.healthMon, cfg.Server.Port)

	return a, nil
}

func (a *App) sinks() []notify.Sink {
	var sinks []notify.Sink
	if a.cfg.Notify.Log {
		sinks = append(sinks, notify.LogSink{})
	}
	if a.cfg.Notify.RedisChannel != "" {
		if a.redisClient != nil {
			sinks = append(sinks, notify.NewRedisSink(a.redisClient, a.cfg.Notify.RedisChannel))
		} else {
			slog.Warn("Redis unavailable, notification channel disabled", "channel", a.cfg.Notify.RedisChannel)
		}
	}
	if len(sinks) == 0 {
		// Alerts must land somewhere.
		sinks = append(sinks, notify.LogSink{})
	}
	return sinks
}

func newClassifier(cfg config.ClassifierConfig) (engine.Classifier, error) {
	switch cfg.Type {
	case "heuristic":
		return classifier.NewHeuristic(), nil
	case "http":
		return classifier.NewHTTP(cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown classifier type %q", cfg.Type)
	}
}

func newExecutor(cfg config.ExecutorConfig) (orchestrator.Executor, error) {
	switch cfg.Type {
	case "log":
		return executor.NewLog(), nil
	case "webhook":
		return executor.NewWebhook(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", cfg.Type)
	}
}

func engineConfig(cfg *config.AppConfig) engine.Config {
	return engine.Config{
		Guardrail:             cfg.Guardrail,
		ClassificationTimeout: cfg.Timeouts.Classification,
	}
}

// Engine exposes the decision engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Start starts the app and all its background components. It does not block.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	a.group = g

	a.dispatcher.Start()

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	g.Go(func() error {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.reconciler.Start(ctx)
		return nil
	})

	if a.configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, a.configPath, a.Reload)
		})
	}

	a.log.Info("Triage started",
		"port", a.cfg.Server.Port,
		"classifier", a.cfg.Classifier.Type,
		"executor", a.cfg.Executor.Type,
	)
	return nil
}

// Reload applies settings that can change without a restart: guardrail policy
// and timeouts. Other changes need a restart.
func (a *App) Reload(cfg *config.AppConfig) {
	a.engine.UpdateConfig(engineConfig(cfg))
	a.orchestrator.SetExecutionTimeout(cfg.Timeouts.Execution)
	a.log.Info("Applied reloaded settings",
		"max_retry_attempts", cfg.Guardrail.MaxRetryAttempts,
		"confidence_threshold", cfg.Guardrail.ConfidenceThreshold,
		"execution_timeout", cfg.Timeouts.Execution,
	)
}

// Stop stops the app. Attempts still waiting stay pending in the ledger.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping triage...")

	var errs []error

	// Stop API Server first so no new events arrive.
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop api server: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	a.orchestrator.Close()
	a.dispatcher.Stop()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
	if err := a.traceShutdown(ctx); err != nil {
		a.log.Warn("Failed to flush traces", "error", err)
	}
	return errors.Join(errs...)
}
