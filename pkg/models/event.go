package models

import "time"

// LogEvent is a single ingested log record. It is consumed by the
// fingerprinting path and discarded; the engine never persists raw
// events (the optional archive does, for later sampling).
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Logger    string    `json:"logger,omitempty"`
	Message   string    `json:"message"`
	ServiceID string    `json:"service_id"`
	LogSource string    `json:"log_source_id,omitempty"`

	// Optional pre-extracted exception fields. When the shipper already
	// parsed the exception these take precedence over pattern extraction.
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
	StackTrace       string `json:"stack_trace,omitempty"`
}

// Validate checks the fields every event must carry. Per-item failures
// reject the item, never the batch.
func (e *LogEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return ErrInvalidInput
	}
	if e.ServiceID == "" {
		return ErrInvalidInput
	}
	if e.Message == "" && e.ExceptionMessage == "" && e.StackTrace == "" {
		return ErrInvalidInput
	}
	return nil
}

// IngestResult summarizes a processed batch.
type IngestResult struct {
	Accepted        int `json:"accepted"`
	Rejected        int `json:"rejected"`
	ClustersCreated int `json:"clusters_created"`
}
