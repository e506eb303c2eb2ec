package workflows

type OrphanCleanupInput struct {
	DryRun            bool   `json:"dry_run"`
	BatchSize         int    `json:"batch_size"`
	DeleteBatch       int    `json:"delete_batch"`
	StaleAfterSeconds int64  `json:"stale_after_seconds"`
	ReportPath        string `json:"report_path,omitempty"`
}

type OrphanCleanupProgress struct {
	Phase           string `json:"phase"`
	KnownDocuments  int    `json:"known_documents"`
	ScannedPoints   int    `json:"scanned_points"`
	OrphanDocuments int    `json:"orphan_documents"`
	Deleted         int    `json:"deleted"`
	FailedBatches   int    `json:"failed_batches"`
}
