package models

import "time"

// Stats represents ledger statistics for one project
type Stats struct {
	ProjectName    string
	KeptArchives   int64
	KeptSize       int64
	Discarded      int64
	Failed         int64
	PendingUploads int64
	Uploaded       int64
	LastKept       time.Time
	LastRun        time.Time
}
