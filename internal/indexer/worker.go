package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/providers"
	"docqa/internal/storage"
	"docqa/internal/util"
	"docqa/internal/vectorstore"
)

type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Requeue(ctx context.Context, job models.Job) error
}

type DocumentStore interface {
	Get(ctx context.Context, id int64) (models.Document, error)
	TransitionStatus(ctx context.Context, id int64, to models.DocumentStatus, upd storage.StatusUpdate) error
	FailPending(ctx context.Context, id int64, reason string) error
}

type Indexer interface {
	Index(ctx context.Context, doc models.Document) (int, error)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeDropped   Outcome = "dropped"
)

type WorkerConfig struct {
	PollTimeout       time.Duration
	IdleSleep         time.Duration
	ErrorBackoff      time.Duration
	IdleLogEvery      time.Duration
	MaxIndexAttempts  int
	MaxDeleteAttempts int
	Collection        string
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.IdleLogEvery <= 0 {
		c.IdleLogEvery = 5 * time.Minute
	}
	if c.MaxIndexAttempts <= 0 {
		c.MaxIndexAttempts = 3
	}
	if c.MaxDeleteAttempts <= 0 {
		c.MaxDeleteAttempts = 3
	}
	if c.Collection == "" {
		c.Collection = vectorstore.DefaultCollection
	}
	return c
}

// Worker consumes indexing and deletion jobs one at a time.
type Worker struct {
	cfg      WorkerConfig
	queue    JobQueue
	docs     DocumentStore
	pipeline Indexer
	store    vectorstore.Store
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration)
}

func NewWorker(cfg WorkerConfig, queue JobQueue, docs DocumentStore, pipeline Indexer, store vectorstore.Store, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		docs:     docs,
		pipeline: pipeline,
		store:    store,
		logger:   logging.OrDefault(logger),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run processes jobs until ctx is cancelled. Job failures never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_timeout", w.cfg.PollTimeout.String(), "collection", w.cfg.Collection)
	var (
		processed   int
		lastIdleLog = time.Now()
	)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping", "processed", processed)
			return nil
		}
		job, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case errors.Is(err, util.ErrQueueDecode):
			w.logger.Warn("skipping undecodable job", "error", err)
			continue
		case err != nil:
			w.logger.Error("worker loop error", "error", err)
			w.sleep(ctx, w.cfg.ErrorBackoff)
			continue
		case job == nil:
			if time.Since(lastIdleLog) >= w.cfg.IdleLogEvery {
				w.logger.Info("worker idle", "processed", processed)
				lastIdleLog = time.Now()
			}
			w.sleep(ctx, w.cfg.IdleSleep)
			continue
		}
		w.Process(ctx, *job)
		processed++
	}
}

// Process handles one job and contains any panic it raises.
func (w *Worker) Process(ctx context.Context, job models.Job) (outcome Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", "document_id", job.DocumentID, "action", job.Action, "panic", fmt.Sprint(r))
			outcome = OutcomeFailed
			if job.Action == models.ActionIndex {
				w.finalize(ctx, job.DocumentID, models.StatusFailed, storage.StatusUpdate{FailReason: fmt.Sprintf("internal error: %v", r)})
			}
		}
		w.logger.Info("job finished", "document_id", job.DocumentID, "action", job.Action, "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	}()
	switch job.Action {
	case models.ActionIndex:
		return w.handleIndex(ctx, job)
	case models.ActionDelete:
		return w.handleDelete(ctx, job)
	default:
		w.logger.Warn("dropping job with unknown action", "document_id", job.DocumentID, "action", job.Action)
		return OutcomeDropped
	}
}

func (w *Worker) handleIndex(ctx context.Context, job models.Job) Outcome {
	doc, err := w.docs.Get(ctx, job.DocumentID)
	if errors.Is(err, util.ErrNotFound) {
		w.logger.Warn("document for index job no longer exists", "document_id", job.DocumentID)
		return OutcomeDropped
	}
	if err != nil {
		return w.retryIndexOrFail(ctx, job, err)
	}
	if doc.Status != models.StatusPending {
		w.logger.Info("skipping index job for document not pending", "document_id", doc.ID, "status", doc.Status)
		return OutcomeSkipped
	}
	if job.FilePath != "" {
		doc.FilePath = job.FilePath
	}

	if err := w.docs.TransitionStatus(ctx, doc.ID, models.StatusProcessing, storage.StatusUpdate{}); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			w.logger.Info("document claimed elsewhere", "document_id", doc.ID)
			return OutcomeSkipped
		}
		return w.retryIndexOrFail(ctx, job, err)
	}

	n, err := w.pipeline.Index(ctx, doc)
	if err != nil {
		w.logger.Error("indexing failed", "document_id", doc.ID, "error", err, "error_class", providers.ClassifyError(err))
		w.finalize(ctx, doc.ID, models.StatusFailed, storage.StatusUpdate{FailReason: err.Error()})
		return OutcomeFailed
	}
	if n == 0 {
		w.finalize(ctx, doc.ID, models.StatusFailed, storage.StatusUpdate{FailReason: util.ErrNoExtractableText.Error()})
		return OutcomeFailed
	}
	collection := job.CollectionName
	if collection == "" {
		collection = w.cfg.Collection
	}
	if !w.finalize(ctx, doc.ID, models.StatusCompleted, storage.StatusUpdate{CollectionName: collection}) {
		w.finalize(ctx, doc.ID, models.StatusFailed, storage.StatusUpdate{FailReason: "could not record completion"})
		return OutcomeFailed
	}
	return OutcomeCompleted
}

// finalize records a terminal status. It keeps trying on a context detached from
// cancellation so a shutdown mid-job still leaves the document terminal.
func (w *Worker) finalize(ctx context.Context, id int64, to models.DocumentStatus, upd storage.StatusUpdate) bool {
	base := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= 3; attempt++ {
		actx, cancel := context.WithTimeout(base, 10*time.Second)
		err := w.docs.TransitionStatus(actx, id, to, upd)
		cancel()
		if err == nil {
			return true
		}
		if errors.Is(err, storage.ErrStatusConflict) {
			w.logger.Warn("status already moved on", "document_id", id, "to", to, "error", err)
			return false
		}
		w.logger.Error("status update failed", "document_id", id, "to", to, "attempt", attempt, "error", err)
		w.sleep(base, time.Duration(attempt)*200*time.Millisecond)
	}
	return false
}

func (w *Worker) handleDelete(ctx context.Context, job models.Job) Outcome {
	deleted, err := w.store.DeleteDocument(ctx, job.DocumentID)
	if err != nil {
		return w.retryOrDrop(ctx, job, err)
	}
	w.logger.Info("document vectors deleted", "document_id", job.DocumentID, "had_vectors", deleted)
	return OutcomeDeleted
}

// retryIndexOrFail handles an index job that failed before processing began. Transient
// failures are requeued within MaxIndexAttempts; otherwise the still pending document
// is failed so it never waits on a job that no longer exists.
func (w *Worker) retryIndexOrFail(ctx context.Context, job models.Job, cause error) Outcome {
	if w.requeue(ctx, job, cause, w.cfg.MaxIndexAttempts) {
		return OutcomeRequeued
	}
	reason := fmt.Sprintf("could not start indexing: %v", cause)
	base := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= 3; attempt++ {
		actx, cancel := context.WithTimeout(base, 10*time.Second)
		err := w.docs.FailPending(actx, job.DocumentID, reason)
		cancel()
		if err == nil {
			return OutcomeFailed
		}
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, util.ErrNotFound) {
			w.logger.Info("document no longer pending", "document_id", job.DocumentID, "error", err)
			return OutcomeDropped
		}
		w.logger.Error("fail pending document failed", "document_id", job.DocumentID, "attempt", attempt, "error", err)
		w.sleep(base, time.Duration(attempt)*200*time.Millisecond)
	}
	// The stale sweep fails pending rows the worker could not reach.
	return OutcomeDropped
}

// retryOrDrop requeues a delete job whose failure looks transient, up to MaxDeleteAttempts tries.
func (w *Worker) retryOrDrop(ctx context.Context, job models.Job, cause error) Outcome {
	if w.requeue(ctx, job, cause, w.cfg.MaxDeleteAttempts) {
		return OutcomeRequeued
	}
	return OutcomeDropped
}

func (w *Worker) requeue(ctx context.Context, job models.Job, cause error, maxAttempts int) bool {
	class := providers.ClassifyError(cause)
	if class.Retryable() && job.Attempt+1 < maxAttempts {
		err := w.queue.Requeue(ctx, job)
		if err == nil {
			w.logger.Warn("job requeued after transient failure", "document_id", job.DocumentID, "action", job.Action, "attempt", job.Attempt+1, "error", cause)
			return true
		}
		w.logger.Error("requeue failed", "document_id", job.DocumentID, "error", err)
	}
	w.logger.Error("giving up on job", "document_id", job.DocumentID, "action", job.Action, "attempt", job.Attempt, "error_class", class, "error", cause)
	return false
}
