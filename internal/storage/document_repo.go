package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"docqa/internal/models"
	"docqa/internal/util"
)

// ErrStatusConflict means the document was not in a state that allows the requested transition.
var ErrStatusConflict = errors.New("document status conflict")

type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, owner_id, filename, original_filename, file_path, file_size, COALESCE(checksum,''),
       status, COALESCE(collection_name,''), COALESCE(fail_reason,''), created_at, updated_at`

func scanDocument(row pgx.Row) (models.Document, error) {
	var d models.Document
	err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.OriginalFilename, &d.FilePath, &d.FileSize, &d.Checksum,
		&d.Status, &d.CollectionName, &d.FailReason, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// Create inserts doc as pending and fills in its id and timestamps.
func (r *DocumentRepo) Create(ctx context.Context, doc *models.Document) error {
	doc.Status = models.StatusPending
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO documents (owner_id, filename, original_filename, file_path, file_size, checksum, status)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7)
RETURNING id, created_at, updated_at`,
		doc.OwnerID, doc.Filename, doc.OriginalFilename, doc.FilePath, doc.FileSize, doc.Checksum, doc.Status,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return &util.StorageError{Op: "insert document", Err: err}
	}
	return nil
}

func (r *DocumentRepo) Get(ctx context.Context, id int64) (models.Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %d: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, &util.StorageError{Op: "get document", Err: err}
	}
	return d, nil
}

// GetForOwner hides documents of other owners behind ErrNotFound.
func (r *DocumentRepo) GetForOwner(ctx context.Context, id, ownerID int64) (models.Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %d: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

func (r *DocumentRepo) ListByOwner(ctx context.Context, ownerID int64) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+documentColumns+` FROM documents WHERE owner_id=$1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]models.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// StatusUpdate carries the optional fields written alongside a status change.
type StatusUpdate struct {
	CollectionName string
	FailReason     string
}

// predecessors lists the statuses from which to is reachable.
func predecessors(to models.DocumentStatus) []string {
	all := []models.DocumentStatus{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed}
	out := make([]string, 0, 1)
	for _, s := range all {
		if s.CanTransition(to) {
			out = append(out, string(s))
		}
	}
	return out
}

// TransitionStatus moves a document to status to. The update only applies when the stored
// status is an allowed predecessor, so concurrent writers cannot move it backwards.
func (r *DocumentRepo) TransitionStatus(ctx context.Context, id int64, to models.DocumentStatus, upd StatusUpdate) error {
	from := predecessors(to)
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: %w", to, ErrStatusConflict)
	}
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE documents
SET status=$2,
    collection_name=COALESCE(NULLIF($3,''), collection_name),
    fail_reason=NULLIF($4,''),
    updated_at=NOW()
WHERE id=$1 AND status = ANY($5)`, id, string(to), upd.CollectionName, upd.FailReason, from)
	if err != nil {
		return &util.StorageError{Op: "update document status", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d to %s: %w", id, to, ErrStatusConflict)
	}
	return nil
}

func (r *DocumentRepo) Delete(ctx context.Context, id, ownerID int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListIDs returns every document id regardless of owner or status.
func (r *DocumentRepo) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	defer rows.Close()
	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return out, nil
}

// ExistingIDs returns the subset of ids that still have a row.
func (r *DocumentRepo) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	out := make([]int64, 0)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM documents WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, &util.StorageError{Op: "check document ids", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FailPending fails a document whose index job was given up before processing began.
// pending -> failed is outside the normal transition table, so it has its own statement.
func (r *DocumentRepo) FailPending(ctx context.Context, id int64, reason string) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE documents
SET status='failed', fail_reason=$2, updated_at=NOW()
WHERE id=$1 AND status='pending'`, id, reason)
	if err != nil {
		return &util.StorageError{Op: "fail pending document", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d not pending: %w", id, ErrStatusConflict)
	}
	return nil
}

// ListStale returns ids of documents left pending or processing since before cutoff.
func (r *DocumentRepo) ListStale(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT id FROM documents
WHERE status IN ('pending','processing') AND updated_at < $1
ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	defer rows.Close()
	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale document: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FailStale marks documents left pending or processing since before cutoff as failed.
func (r *DocumentRepo) FailStale(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE documents
SET status='failed', fail_reason=$2, updated_at=NOW()
WHERE status IN ('pending','processing') AND updated_at < $1`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale documents: %w", err)
	}
	return tag.RowsAffected(), nil
}
