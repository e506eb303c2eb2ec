package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"docqa/internal/activities"
	"docqa/internal/maintenance"
)

func registerActivityName[T any](env *testsuite.TestWorkflowEnvironment, name string, fn T) {
	env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func newCleanupEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(OrphanCleanupWorkflow)
	registerActivityName(env, "ListKnownDocumentsActivity", func(context.Context) (activities.ListKnownDocumentsOutput, error) {
		return activities.ListKnownDocumentsOutput{}, nil
	})
	registerActivityName(env, "FindOrphansActivity", func(context.Context, activities.FindOrphansInput) (activities.FindOrphansOutput, error) {
		return activities.FindOrphansOutput{}, nil
	})
	registerActivityName(env, "DeleteOrphansActivity", func(context.Context, activities.DeleteOrphansInput) (activities.DeleteOrphansOutput, error) {
		return activities.DeleteOrphansOutput{}, nil
	})
	registerActivityName(env, "FailStaleDocumentsActivity", func(context.Context, activities.FailStaleDocumentsInput) (activities.FailStaleDocumentsOutput, error) {
		return activities.FailStaleDocumentsOutput{}, nil
	})
	registerActivityName(env, "WriteCleanupReportActivity", func(context.Context, activities.WriteCleanupReportInput) error { return nil })
	return env
}

func TestOrphanCleanupWorkflowDeletesInBatches(t *testing.T) {
	env := newCleanupEnv(t)
	env.OnActivity("ListKnownDocumentsActivity", mock.Anything).Return(activities.ListKnownDocumentsOutput{IDs: []int64{1, 2}}, nil)
	env.OnActivity("FindOrphansActivity", mock.Anything, activities.FindOrphansInput{Known: []int64{1, 2}, BatchSize: 100}).
		Return(activities.FindOrphansOutput{ScannedPoints: 40, OrphanIDs: []int64{3, 4, 5}, OrphanPoints: 12}, nil)

	var batches [][]int64
	env.OnActivity("DeleteOrphansActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.DeleteOrphansInput) (activities.DeleteOrphansOutput, error) {
			batches = append(batches, in.DocumentIDs)
			return activities.DeleteOrphansOutput{Deleted: len(in.DocumentIDs)}, nil
		})
	env.OnActivity("FailStaleDocumentsActivity", mock.Anything, activities.FailStaleDocumentsInput{StaleAfterSeconds: 3600}).
		Return(activities.FailStaleDocumentsOutput{Count: 1}, nil)
	env.OnActivity("WriteCleanupReportActivity", mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(OrphanCleanupWorkflow, OrphanCleanupInput{BatchSize: 100, DeleteBatch: 2, StaleAfterSeconds: 3600, ReportPath: "/tmp/report.json"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report maintenance.Report
	require.NoError(t, env.GetWorkflowResult(&report))
	require.Equal(t, 2, report.KnownDocuments)
	require.Equal(t, 40, report.ScannedPoints)
	require.Equal(t, []int64{3, 4, 5}, report.OrphanDocuments)
	require.Equal(t, 3, report.DeletedDocuments)
	require.Equal(t, int64(1), report.StaleFailed)
	require.Empty(t, report.Failures)
	require.Equal(t, [][]int64{{3, 4}, {5}}, batches)
	env.AssertExpectations(t)
}

func TestOrphanCleanupWorkflowDryRunSkipsDeletes(t *testing.T) {
	env := newCleanupEnv(t)
	env.OnActivity("ListKnownDocumentsActivity", mock.Anything).Return(activities.ListKnownDocumentsOutput{}, nil)
	env.OnActivity("FindOrphansActivity", mock.Anything, mock.Anything).
		Return(activities.FindOrphansOutput{ScannedPoints: 3, OrphanIDs: []int64{7}, OrphanPoints: 3}, nil)
	env.OnActivity("FailStaleDocumentsActivity", mock.Anything, activities.FailStaleDocumentsInput{StaleAfterSeconds: 60, DryRun: true}).
		Return(activities.FailStaleDocumentsOutput{Count: 2}, nil)

	env.ExecuteWorkflow(OrphanCleanupWorkflow, OrphanCleanupInput{DryRun: true, StaleAfterSeconds: 60})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report maintenance.Report
	require.NoError(t, env.GetWorkflowResult(&report))
	require.True(t, report.DryRun)
	require.Equal(t, []int64{7}, report.OrphanDocuments)
	require.Zero(t, report.DeletedDocuments)
	require.Equal(t, int64(2), report.StaleFailed)
	env.AssertNotCalled(t, "DeleteOrphansActivity", mock.Anything, mock.Anything)
}

func TestOrphanCleanupWorkflowRecordsFailedBatch(t *testing.T) {
	env := newCleanupEnv(t)
	env.OnActivity("ListKnownDocumentsActivity", mock.Anything).Return(activities.ListKnownDocumentsOutput{}, nil)
	env.OnActivity("FindOrphansActivity", mock.Anything, mock.Anything).
		Return(activities.FindOrphansOutput{OrphanIDs: []int64{8}}, nil)
	env.OnActivity("DeleteOrphansActivity", mock.Anything, mock.Anything).
		Return(activities.DeleteOrphansOutput{}, errors.New("delete orphan vectors: document 8: qdrant 500"))

	env.ExecuteWorkflow(OrphanCleanupWorkflow, OrphanCleanupInput{})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report maintenance.Report
	require.NoError(t, env.GetWorkflowResult(&report))
	require.Zero(t, report.DeletedDocuments)
	require.Len(t, report.Failures, 1)
	require.Contains(t, report.Failures[0], "document 8")
}

func TestOrphanCleanupWorkflowReportsRevivedDocuments(t *testing.T) {
	env := newCleanupEnv(t)
	env.OnActivity("ListKnownDocumentsActivity", mock.Anything).Return(activities.ListKnownDocumentsOutput{IDs: []int64{1}}, nil)
	env.OnActivity("FindOrphansActivity", mock.Anything, mock.Anything).
		Return(activities.FindOrphansOutput{OrphanIDs: []int64{2, 3}}, nil)
	env.OnActivity("DeleteOrphansActivity", mock.Anything, activities.DeleteOrphansInput{DocumentIDs: []int64{2, 3}}).
		Return(activities.DeleteOrphansOutput{Deleted: 1, Revived: []int64{2}}, nil)

	env.ExecuteWorkflow(OrphanCleanupWorkflow, OrphanCleanupInput{})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report maintenance.Report
	require.NoError(t, env.GetWorkflowResult(&report))
	require.Equal(t, 1, report.DeletedDocuments)
	require.Equal(t, []int64{2}, report.RevivedDocuments)
	require.Empty(t, report.Failures)
}

func TestOrphanCleanupWorkflowFailsWhenRecordStoreIsDown(t *testing.T) {
	env := newCleanupEnv(t)
	env.OnActivity("ListKnownDocumentsActivity", mock.Anything).Return(activities.ListKnownDocumentsOutput{}, errors.New("db down"))

	env.ExecuteWorkflow(OrphanCleanupWorkflow, OrphanCleanupInput{})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
