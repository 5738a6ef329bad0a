package models

import "time"

// IndexingStatus is the state of the code index for one identity.
type IndexingStatus string

const (
	IndexNotIndexed IndexingStatus = "not_indexed"
	IndexIndexing   IndexingStatus = "indexing"
	IndexCompleted  IndexingStatus = "completed"
	IndexFailed     IndexingStatus = "failed"
)

// IndexTrigger records what initiated an indexing run.
type IndexTrigger string

const (
	TriggerManual    IndexTrigger = "manual"
	TriggerAutomatic IndexTrigger = "automatic"
	TriggerScheduled IndexTrigger = "scheduled"
)

// IndexMode selects how much of the repository is processed.
type IndexMode string

const (
	ModeIncremental IndexMode = "incremental"
	ModeFull        IndexMode = "full"
)

// IndexingRecord is the current indexing state for (service, log source).
// LogSource is empty for service-wide indexing.
type IndexingRecord struct {
	ServiceID         string         `json:"service_id"`
	LogSource         string         `json:"log_source_id,omitempty"`
	Status            IndexingStatus `json:"status"`
	LastIndexedCommit string         `json:"last_indexed_commit,omitempty"`
	LastIndexedAt     time.Time      `json:"last_indexed_at,omitzero"`
	IndexingError     string         `json:"indexing_error,omitempty"`
	Trigger           IndexTrigger   `json:"indexing_trigger,omitempty"`
	Mode              IndexMode      `json:"mode,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
}

// IndexingRun is one historical indexing execution.
type IndexingRun struct {
	RunID         string       `json:"run_id"`
	ServiceID     string       `json:"service_id"`
	LogSource     string       `json:"log_source_id,omitempty"`
	Mode          IndexMode    `json:"mode"`
	Trigger       IndexTrigger `json:"trigger"`
	Commit        string       `json:"commit,omitempty"`
	FilesIndexed  int          `json:"files_indexed"`
	BlocksIndexed int          `json:"blocks_indexed"`
	Error         string       `json:"error,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at,omitzero"`
}
