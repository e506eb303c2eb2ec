package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"docqa/internal/bootstrap"
	"docqa/internal/config"
	"docqa/internal/maintenance"
	"docqa/internal/storage"
	"docqa/internal/util"
	"docqa/internal/workflows"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-vectors",
	Short: "Remove vectors of deleted documents",
	Long: `Scans every vector point, removes the points of documents that no longer exist in the
database and fails documents that have been processing for too long.

With --temporal the run is submitted as a workflow to the maintenance worker and this
command waits for its report.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun     bool
	cleanupBatchSize  int
	cleanupStaleAfter time.Duration
	cleanupTemporal   bool
	cleanupReportPath string
)

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Report what would be removed without changing anything")
	cleanupCmd.Flags().IntVar(&cleanupBatchSize, "batch-size", maintenance.DefaultBatchSize, "Points fetched per scroll page")
	cleanupCmd.Flags().DurationVar(&cleanupStaleAfter, "stale-after", -1, "Fail documents processing for longer than this (0 disables; default from STALE_PROCESSING_MINUTES)")
	cleanupCmd.Flags().BoolVar(&cleanupTemporal, "temporal", false, "Run as a Temporal workflow on the maintenance worker")
	cleanupCmd.Flags().StringVar(&cleanupReportPath, "report", "", "Write the JSON report to this path")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)
	staleAfter := cleanupStaleAfter
	if staleAfter < 0 {
		staleAfter = cfg.StaleProcessingAfter()
	}

	var (
		report maintenance.Report
		err    error
	)
	if cleanupTemporal {
		report, err = cleanupViaTemporal(cmd, cfg, staleAfter, logger)
	} else {
		report, err = cleanupLocally(cmd, cfg, staleAfter, logger)
	}
	if err != nil {
		return err
	}
	// The workflow writes its own report on the worker host.
	if cleanupReportPath != "" && !cleanupTemporal {
		if err := util.WriteJSONAtomic(cleanupReportPath, report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		logger.Info("cleanup report written", "path", cleanupReportPath)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func cleanupLocally(cmd *cobra.Command, cfg config.Config, staleAfter time.Duration, logger *slog.Logger) (maintenance.Report, error) {
	ctx := cmd.Context()
	db, err := bootstrap.OpenDB(ctx, cfg, logger)
	if err != nil {
		return maintenance.Report{}, err
	}
	defer db.Close()
	store, err := bootstrap.VectorStore(ctx, cfg, db, logger)
	if err != nil {
		return maintenance.Report{}, err
	}
	cleaner := maintenance.NewCleaner(storage.NewDocumentRepo(db), store, logger)
	return cleaner.Run(ctx, maintenance.Options{
		DryRun:     cleanupDryRun,
		BatchSize:  cleanupBatchSize,
		StaleAfter: staleAfter,
	})
}

func cleanupViaTemporal(cmd *cobra.Command, cfg config.Config, staleAfter time.Duration, logger *slog.Logger) (maintenance.Report, error) {
	if cfg.TemporalAddress == "" {
		return maintenance.Report{}, fmt.Errorf("--temporal needs TEMPORAL_ADDRESS")
	}
	c, err := client.Dial(client.Options{
		HostPort: cfg.TemporalAddress,
		Logger:   tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return maintenance.Report{}, fmt.Errorf("dial temporal: %w", err)
	}
	defer c.Close()

	// One cleanup at a time; a second submission fails instead of racing the first.
	run, err := c.ExecuteWorkflow(cmd.Context(), client.StartWorkflowOptions{
		ID:                                       "orphan-cleanup",
		TaskQueue:                                cfg.TemporalTaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflows.OrphanCleanupWorkflow, workflows.OrphanCleanupInput{
		DryRun:            cleanupDryRun,
		BatchSize:         cleanupBatchSize,
		StaleAfterSeconds: int64(staleAfter / time.Second),
		ReportPath:        cleanupReportPath,
	})
	if err != nil {
		return maintenance.Report{}, fmt.Errorf("start cleanup workflow: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "workflow %s run %s started\n", run.GetID(), run.GetRunID())

	var report maintenance.Report
	if err := run.Get(cmd.Context(), &report); err != nil {
		return maintenance.Report{}, fmt.Errorf("cleanup workflow: %w", err)
	}
	return report, nil
}

func printReport(w io.Writer, r maintenance.Report) {
	mode := "applied"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "cleanup (%s)\n", mode)
	fmt.Fprintf(w, "  known documents:     %d\n", r.KnownDocuments)
	fmt.Fprintf(w, "  scanned points:      %d\n", r.ScannedPoints)
	fmt.Fprintf(w, "  unattributed points: %d\n", r.UnattributedPoints)
	fmt.Fprintf(w, "  orphan documents:    %d (%d points)\n", len(r.OrphanDocuments), r.OrphanPoints)
	fmt.Fprintf(w, "  deleted documents:   %d\n", r.DeletedDocuments)
	if len(r.RevivedDocuments) > 0 {
		fmt.Fprintf(w, "  revived documents:   %v\n", r.RevivedDocuments)
	}
	fmt.Fprintf(w, "  stale documents:     %d\n", r.StaleFailed)
	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "  failures:\n    %s\n", strings.Join(r.Failures, "\n    "))
	}
}
