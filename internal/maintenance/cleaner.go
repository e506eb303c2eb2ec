package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"docqa/internal/logging"
	"docqa/internal/vectorstore"
)

const (
	DefaultBatchSize = 1000
	StaleReason      = "indexing did not finish in time; the job was lost or the worker was interrupted"
)

// DocumentIndex is the record-store view the cleaner needs.
type DocumentIndex interface {
	ListIDs(ctx context.Context) ([]int64, error)
	// ExistingIDs returns the subset of ids that currently have a row.
	ExistingIDs(ctx context.Context, ids []int64) ([]int64, error)
	// ListStale and FailStale cover documents pending or processing since before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]int64, error)
	FailStale(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

type Options struct {
	DryRun    bool
	BatchSize int
	// StaleAfter is how long a document may stay pending or processing before it is failed. Zero skips the check.
	StaleAfter time.Duration
}

// Scan is the outcome of walking every vector point.
type Scan struct {
	ScannedPoints int `json:"scanned_points"`
	// Unattributed counts points whose payload has no usable document id. They are left alone.
	Unattributed int `json:"unattributed_points"`
	// Orphans maps each unknown document id to its point count.
	Orphans map[int64]int `json:"orphans"`
}

func (s Scan) OrphanIDs() []int64 {
	ids := make([]int64, 0, len(s.Orphans))
	for id := range s.Orphans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s Scan) OrphanPoints() int {
	n := 0
	for _, c := range s.Orphans {
		n += c
	}
	return n
}

type Report struct {
	DryRun             bool      `json:"dry_run"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	KnownDocuments     int       `json:"known_documents"`
	ScannedPoints      int       `json:"scanned_points"`
	UnattributedPoints int       `json:"unattributed_points"`
	OrphanDocuments    []int64   `json:"orphan_documents"`
	OrphanPoints       int       `json:"orphan_points"`
	DeletedDocuments   int       `json:"deleted_documents"`
	RevivedDocuments   []int64   `json:"revived_documents,omitempty"`
	StaleFailed        int64     `json:"stale_failed"`
	Failures           []string  `json:"failures,omitempty"`
}

// Cleaner reconciles the vector store with the record store: vectors of documents that
// no longer exist are removed and documents stuck before completion are failed.
type Cleaner struct {
	docs   DocumentIndex
	store  vectorstore.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewCleaner(docs DocumentIndex, store vectorstore.Store, logger *slog.Logger) *Cleaner {
	return &Cleaner{docs: docs, store: store, logger: logging.OrDefault(logger), now: time.Now}
}

func (c *Cleaner) KnownDocuments(ctx context.Context) ([]int64, error) {
	ids, err := c.docs.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list known documents: %w", err)
	}
	c.logger.Info("known documents loaded", "count", len(ids))
	return ids, nil
}

// FindOrphans scrolls the whole collection in pages of batchSize.
func (c *Cleaner) FindOrphans(ctx context.Context, known []int64, batchSize int) (Scan, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	knownSet := make(map[int64]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}

	scan := Scan{Orphans: map[int64]int{}}
	offset := ""
	for {
		page, err := c.store.Scroll(ctx, vectorstore.ScrollRequest{Limit: batchSize, Offset: offset})
		if err != nil {
			return scan, fmt.Errorf("scroll vectors after %d points: %w", scan.ScannedPoints, err)
		}
		for _, p := range page.Points {
			scan.ScannedPoints++
			if p.DocumentID <= 0 {
				scan.Unattributed++
				c.logger.Warn("vector has no document id", "point_id", p.ID, "shape", p.Shape)
				continue
			}
			if _, ok := knownSet[p.DocumentID]; !ok {
				scan.Orphans[p.DocumentID]++
			}
		}
		c.logger.Debug("vectors scanned", "so_far", scan.ScannedPoints)
		if page.NextOffset == "" || len(page.Points) == 0 {
			break
		}
		offset = page.NextOffset
	}
	c.logger.Info("vector scan finished",
		"scanned", scan.ScannedPoints,
		"orphan_documents", len(scan.Orphans),
		"orphan_points", scan.OrphanPoints(),
		"unattributed", scan.Unattributed,
	)
	return scan, nil
}

// DeleteResult is the outcome of one DeleteOrphans call.
type DeleteResult struct {
	Deleted int
	// Revived lists candidates that gained a row after the scan; their vectors are kept.
	Revived  []int64
	Failures []string
}

// DeleteOrphans removes every vector of each id that still has no row. Rows are
// created before any of their vectors are written, so rechecking after the scan
// keeps documents indexed mid-run. One failing document does not stop the rest.
func (c *Cleaner) DeleteOrphans(ctx context.Context, ids []int64, dryRun bool) DeleteResult {
	var res DeleteResult
	if len(ids) == 0 {
		return res
	}
	existing, err := c.docs.ExistingIDs(ctx, ids)
	if err != nil {
		c.logger.Error("orphan recheck failed", "documents", len(ids), "error", err)
		for _, id := range ids {
			res.Failures = append(res.Failures, fmt.Sprintf("document %d: recheck: %v", id, err))
		}
		return res
	}
	revived := make(map[int64]struct{}, len(existing))
	for _, id := range existing {
		revived[id] = struct{}{}
	}
	candidates := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := revived[id]; ok {
			res.Revived = append(res.Revived, id)
			continue
		}
		candidates = append(candidates, id)
	}
	if len(res.Revived) > 0 {
		c.logger.Info("orphan candidates now have rows", "ids", res.Revived)
	}

	if dryRun {
		c.logger.Info("dry run: orphan vectors kept", "documents", len(candidates))
		return res
	}
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("document %d: %v", id, err))
			continue
		}
		removed, err := c.store.DeleteDocument(ctx, id)
		if err != nil {
			c.logger.Error("delete orphan vectors failed", "document_id", id, "error", err)
			res.Failures = append(res.Failures, fmt.Sprintf("document %d: %v", id, err))
			continue
		}
		if removed {
			res.Deleted++
		}
		c.logger.Info("orphan vectors deleted", "document_id", id, "found", removed)
	}
	return res
}

// FailStale fails documents left pending or processing for longer than staleAfter. In a dry
// run it only counts them.
func (c *Cleaner) FailStale(ctx context.Context, staleAfter time.Duration, dryRun bool) (int64, error) {
	if staleAfter <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-staleAfter)
	if dryRun {
		ids, err := c.docs.ListStale(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("list stale documents: %w", err)
		}
		c.logger.Info("dry run: stale documents kept", "count", len(ids), "ids", ids)
		return int64(len(ids)), nil
	}
	n, err := c.docs.FailStale(ctx, cutoff, StaleReason)
	if err != nil {
		return 0, fmt.Errorf("fail stale documents: %w", err)
	}
	if n > 0 {
		c.logger.Warn("stale documents failed", "count", n, "older_than", staleAfter)
	}
	return n, nil
}

// Run performs a full reconciliation pass.
func (c *Cleaner) Run(ctx context.Context, opts Options) (Report, error) {
	r := Report{DryRun: opts.DryRun, StartedAt: c.now().UTC()}
	c.logger.Info("cleanup started", "dry_run", opts.DryRun, "batch_size", opts.BatchSize)

	known, err := c.KnownDocuments(ctx)
	if err != nil {
		return r, err
	}
	r.KnownDocuments = len(known)

	scan, err := c.FindOrphans(ctx, known, opts.BatchSize)
	r.ScannedPoints = scan.ScannedPoints
	r.UnattributedPoints = scan.Unattributed
	if err != nil {
		return r, err
	}
	r.OrphanDocuments = scan.OrphanIDs()
	r.OrphanPoints = scan.OrphanPoints()

	del := c.DeleteOrphans(ctx, r.OrphanDocuments, opts.DryRun)
	r.DeletedDocuments = del.Deleted
	r.RevivedDocuments = del.Revived
	r.Failures = del.Failures

	stale, err := c.FailStale(ctx, opts.StaleAfter, opts.DryRun)
	if err != nil {
		r.Failures = append(r.Failures, err.Error())
	}
	r.StaleFailed = stale
	r.FinishedAt = c.now().UTC()

	c.logger.Info("cleanup finished",
		"dry_run", r.DryRun,
		"orphan_documents", len(r.OrphanDocuments),
		"orphan_points", r.OrphanPoints,
		"deleted_documents", r.DeletedDocuments,
		"revived_documents", len(r.RevivedDocuments),
		"stale_failed", r.StaleFailed,
		"failures", len(r.Failures),
	)
	return r, nil
}
