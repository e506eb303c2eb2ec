package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docqa/internal/maintenance"
	"docqa/internal/util"
)

// Activities exposes the cleaner's steps to Temporal so each one is retried on its own.
type Activities struct {
	cleaner *maintenance.Cleaner
}

func New(cleaner *maintenance.Cleaner) *Activities {
	return &Activities{cleaner: cleaner}
}

func (a *Activities) ListKnownDocumentsActivity(ctx context.Context) (ListKnownDocumentsOutput, error) {
	ids, err := a.cleaner.KnownDocuments(ctx)
	if err != nil {
		return ListKnownDocumentsOutput{}, err
	}
	return ListKnownDocumentsOutput{IDs: ids}, nil
}

func (a *Activities) FindOrphansActivity(ctx context.Context, in FindOrphansInput) (FindOrphansOutput, error) {
	scan, err := a.cleaner.FindOrphans(ctx, in.Known, in.BatchSize)
	if err != nil {
		return FindOrphansOutput{}, err
	}
	return FindOrphansOutput{
		ScannedPoints:      scan.ScannedPoints,
		UnattributedPoints: scan.Unattributed,
		OrphanIDs:          scan.OrphanIDs(),
		OrphanPoints:       scan.OrphanPoints(),
	}, nil
}

// DeleteOrphansActivity fails when any document in the batch could not be cleared,
// so Temporal retries the batch. Deleting by document id is idempotent.
func (a *Activities) DeleteOrphansActivity(ctx context.Context, in DeleteOrphansInput) (DeleteOrphansOutput, error) {
	res := a.cleaner.DeleteOrphans(ctx, in.DocumentIDs, in.DryRun)
	out := DeleteOrphansOutput{Deleted: res.Deleted, Revived: res.Revived}
	if len(res.Failures) > 0 {
		return out, errors.New("delete orphan vectors: " + strings.Join(res.Failures, "; "))
	}
	return out, nil
}

func (a *Activities) FailStaleDocumentsActivity(ctx context.Context, in FailStaleDocumentsInput) (FailStaleDocumentsOutput, error) {
	n, err := a.cleaner.FailStale(ctx, time.Duration(in.StaleAfterSeconds)*time.Second, in.DryRun)
	if err != nil {
		return FailStaleDocumentsOutput{}, err
	}
	return FailStaleDocumentsOutput{Count: n}, nil
}

func (a *Activities) WriteCleanupReportActivity(ctx context.Context, in WriteCleanupReportInput) error {
	if in.Path == "" {
		return nil
	}
	if err := util.WriteJSONAtomic(in.Path, in.Report); err != nil {
		return fmt.Errorf("write cleanup report: %w", err)
	}
	return nil
}
