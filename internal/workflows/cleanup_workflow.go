package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"docqa/internal/activities"
	"docqa/internal/maintenance"
)

const (
	QueryGetCleanupProgress = "GetCleanupProgress"

	defaultDeleteBatch = 50
)

// OrphanCleanupWorkflow removes vectors whose document row is gone and fails
// documents stuck in processing. Each delete batch retries on its own; a batch that
// still fails after its retries is recorded in the report and the run continues.
func OrphanCleanupWorkflow(ctx workflow.Context, input OrphanCleanupInput) (maintenance.Report, error) {
	logger := workflow.GetLogger(ctx)
	progress := OrphanCleanupProgress{Phase: "starting"}
	if err := workflow.SetQueryHandler(ctx, QueryGetCleanupProgress, func() (OrphanCleanupProgress, error) {
		return progress, nil
	}); err != nil {
		return maintenance.Report{}, err
	}

	report := maintenance.Report{DryRun: input.DryRun, StartedAt: workflow.Now(ctx).UTC()}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	scanCtx := workflow.WithStartToCloseTimeout(ctx, 30*time.Minute)

	progress.Phase = "listing"
	var known activities.ListKnownDocumentsOutput
	if err := workflow.ExecuteActivity(ctx, "ListKnownDocumentsActivity").Get(ctx, &known); err != nil {
		return report, err
	}
	report.KnownDocuments = len(known.IDs)
	progress.KnownDocuments = report.KnownDocuments

	progress.Phase = "scanning"
	var scan activities.FindOrphansOutput
	if err := workflow.ExecuteActivity(scanCtx, "FindOrphansActivity", activities.FindOrphansInput{
		Known:     known.IDs,
		BatchSize: input.BatchSize,
	}).Get(ctx, &scan); err != nil {
		return report, err
	}
	report.ScannedPoints = scan.ScannedPoints
	report.UnattributedPoints = scan.UnattributedPoints
	report.OrphanDocuments = scan.OrphanIDs
	report.OrphanPoints = scan.OrphanPoints
	progress.ScannedPoints = scan.ScannedPoints
	progress.OrphanDocuments = len(scan.OrphanIDs)

	if !input.DryRun {
		progress.Phase = "deleting"
		size := input.DeleteBatch
		if size <= 0 {
			size = defaultDeleteBatch
		}
		for i := 0; i < len(scan.OrphanIDs); i += size {
			end := i + size
			if end > len(scan.OrphanIDs) {
				end = len(scan.OrphanIDs)
			}
			batch := scan.OrphanIDs[i:end]
			var out activities.DeleteOrphansOutput
			if err := workflow.ExecuteActivity(ctx, "DeleteOrphansActivity", activities.DeleteOrphansInput{
				DocumentIDs: batch,
			}).Get(ctx, &out); err != nil {
				logger.Warn("orphan delete batch failed", "first", batch[0], "size", len(batch), "error", err)
				report.Failures = append(report.Failures, fmt.Sprintf("batch starting at document %d: %v", batch[0], err))
				progress.FailedBatches++
				continue
			}
			report.DeletedDocuments += out.Deleted
			report.RevivedDocuments = append(report.RevivedDocuments, out.Revived...)
			progress.Deleted = report.DeletedDocuments
		}
	}

	if input.StaleAfterSeconds > 0 {
		progress.Phase = "failing_stale"
		var stale activities.FailStaleDocumentsOutput
		if err := workflow.ExecuteActivity(ctx, "FailStaleDocumentsActivity", activities.FailStaleDocumentsInput{
			StaleAfterSeconds: input.StaleAfterSeconds,
			DryRun:            input.DryRun,
		}).Get(ctx, &stale); err != nil {
			report.Failures = append(report.Failures, err.Error())
		} else {
			report.StaleFailed = stale.Count
		}
	}

	report.FinishedAt = workflow.Now(ctx).UTC()
	if input.ReportPath != "" {
		progress.Phase = "reporting"
		if err := workflow.ExecuteActivity(ctx, "WriteCleanupReportActivity", activities.WriteCleanupReportInput{
			Path:   input.ReportPath,
			Report: report,
		}).Get(ctx, nil); err != nil {
			return report, err
		}
	}
	progress.Phase = "done"
	return report, nil
}
