package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.ListKnownDocumentsActivity)
	w.RegisterActivity(a.FindOrphansActivity)
	w.RegisterActivity(a.DeleteOrphansActivity)
	w.RegisterActivity(a.FailStaleDocumentsActivity)
	w.RegisterActivity(a.WriteCleanupReportActivity)
}
