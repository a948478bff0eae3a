package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/triage/internal/control"
	"github.com/vietddude/triage/internal/core/config"
)

var (
	cfgPath     string
	isDebug     bool
	watchConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Pipeline failure triage service",
	Long: `Triage classifies data pipeline failures, decides whether to retry, alert or escalate,
and runs guarded retries with a durable audit trail.`,
	Run: runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&watchConfig, "watch-config", true, "reload guardrail settings when the config file changes")
}

// loadConfig reads .env and the config file, then installs the logger.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)
	return cfg
}

func setupLogging(cfg config.LoggingConfig) {
	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Level == "error":
		slogLevel = slog.LevelError
	}

	if cfg.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})))
		return
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchPath := ""
	if watchConfig {
		watchPath = cfgPath
	}

	app, err := control.NewApp(ctx, cfg, watchPath)
	if err != nil {
		slog.Error("Failed to initialize triage", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start triage", "error", err)
		os.Exit(1)
	}

	slog.Info("Triage started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Triage stopped gracefully")
}
