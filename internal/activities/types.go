package activities

import "docqa/internal/maintenance"

type ListKnownDocumentsOutput struct {
	IDs []int64 `json:"ids"`
}

type FindOrphansInput struct {
	Known     []int64 `json:"known"`
	BatchSize int     `json:"batch_size"`
}

type FindOrphansOutput struct {
	ScannedPoints      int     `json:"scanned_points"`
	UnattributedPoints int     `json:"unattributed_points"`
	OrphanIDs          []int64 `json:"orphan_ids"`
	OrphanPoints       int     `json:"orphan_points"`
}

type DeleteOrphansInput struct {
	DocumentIDs []int64 `json:"document_ids"`
	DryRun      bool    `json:"dry_run"`
}

type DeleteOrphansOutput struct {
	Deleted int     `json:"deleted"`
	Revived []int64 `json:"revived,omitempty"`
}

type FailStaleDocumentsInput struct {
	StaleAfterSeconds int64 `json:"stale_after_seconds"`
	DryRun            bool  `json:"dry_run"`
}

type FailStaleDocumentsOutput struct {
	Count int64 `json:"count"`
}

type WriteCleanupReportInput struct {
	Path   string             `json:"path"`
	Report maintenance.Report `json:"report"`
}
