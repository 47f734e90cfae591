package models

import "time"

// Project is a remote project as listed by the server.
type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Trashed  bool   `json:"trashed"`
	Archived bool   `json:"archived"`
}

// OutcomeKind tells what happened to a freshly downloaded archive.
type OutcomeKind string

const (
	OutcomeKept      OutcomeKind = "kept"
	OutcomeDiscarded OutcomeKind = "discarded"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the result of one backup cycle for one project.
type Outcome struct {
	Kind OutcomeKind
	// Path of the kept archive, empty otherwise.
	Path string
	// Prior is the archive the download was compared against, if any.
	Prior string
	Err   error
}

// Kept reports whether the archive was retained.
func (o Outcome) Kept() bool { return o.Kind == OutcomeKept }

// Upload statuses of a kept archive in the ledger.
const (
	UploadLocal    = "local"
	UploadPending  = "pending"
	UploadUploaded = "uploaded"
	UploadFailed   = "failed"
	UploadSkipped  = "skipped"
)

// ArchiveRecord is one ledger row.
type ArchiveRecord struct {
	ID           int64
	ProjectID    string
	ProjectName  string
	Path         string
	Outcome      OutcomeKind
	Size         int64
	Digest       string
	Reason       string
	CreatedAt    time.Time
	UploadStatus string
}
