package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/infra/storage/postgres"
	"github.com/vietddude/triage/internal/triage/guardrail"
)

var recentLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rolling statistics, pending attempts and recent decisions",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&recentLimit, "recent", 10, "number of recent decisions to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("status requires database.url")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := printStatus(ctx, os.Stdout, postgres.NewLedger(db), cfg.Guardrail, recentLimit); err != nil {
		slog.Error("Failed to read ledger", "error", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, out io.Writer, ledger storage.Ledger, policy guardrail.Config, limit int) error {
	stats, err := ledger.ListRollingStats(ctx)
	if err != nil {
		return err
	}
	pending, err := ledger.PendingAttempts(ctx)
	if err != nil {
		return err
	}
	recent, err := ledger.RecentDecisions(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)

	_, _ = fmt.Fprintln(w, "ERROR TYPE\tENVIRONMENT\tRETRIES\tSUCCESSES\tRATE\tTHRESHOLD")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\t%d\n",
			s.ErrorType, s.Environment, s.RetryCount, s.RetrySuccessCount,
			s.SuccessRate(), guardrail.EffectiveThreshold(policy.ConfidenceThreshold, s))
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "ATTEMPT\tRUN\tNUMBER\tDUE\tSTATE")
	for _, a := range pending {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.Key, a.AttemptNumber, a.DueAt().Format(time.RFC3339), attemptState(a))
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "DECIDED\tRUN\tACTION\tREASON\tERROR TYPE\tCONFIDENCE")
	for _, d := range recent {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			d.DecidedAt.Format(time.RFC3339), d.EventKey(), d.Action, d.Reason,
			d.Classification.ErrorType, d.Classification.Confidence)
	}
	return w.Flush()
}

func attemptState(a *domain.AttemptRecord) string {
	if a.ExecutedAt != nil {
		return "executing"
	}
	return "scheduled"
}
