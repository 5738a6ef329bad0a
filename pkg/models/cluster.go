package models

import "time"

// ClusterStatus is the lifecycle state of an exception cluster.
type ClusterStatus string

const (
	StatusActive   ClusterStatus = "active"
	StatusSkipped  ClusterStatus = "skipped"
	StatusResolved ClusterStatus = "resolved"
)

// Valid reports whether s is a known cluster status.
func (s ClusterStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSkipped, StatusResolved:
		return true
	}
	return false
}

// Severity is derived from frequency and log level distribution on every
// upsert; it is never sticky.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ExceptionCluster groups recurring exceptions sharing one fingerprint.
// Identity is the fingerprint; ClusterID is a stable hash of it.
type ExceptionCluster struct {
	ClusterID       string        `json:"cluster_id"`
	ExceptionType   string        `json:"exception_type"`
	Signature       string        `json:"signature"`
	Severity        Severity      `json:"severity"`
	Count           int64         `json:"count"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	Services        []string      `json:"services"`
	Status          ClusterStatus `json:"status"`
	StatusUpdatedAt time.Time     `json:"status_updated_at"`
	StatusUpdatedBy string        `json:"status_updated_by,omitempty"`
	HasRCA          bool          `json:"has_rca"`
	LoggerPath      string        `json:"logger_path,omitempty"`

	// Levels is the per-level occurrence histogram, used for severity.
	Levels map[string]int64 `json:"levels,omitempty"`
}

// ClusterUpsert is one fingerprinted occurrence to fold into a cluster.
type ClusterUpsert struct {
	ClusterID     string
	ExceptionType string
	Signature     string
	ServiceID     string
	LogSource     string
	Level         string
	LoggerPath    string
	Timestamp     time.Time

	// Sample material kept for cluster detail views, bounded per cluster.
	Message    string
	StackTrace string
}

// ClusterUpdateResult is returned by an upsert.
type ClusterUpdateResult struct {
	ClusterID  string   `json:"cluster_id"`
	WasCreated bool     `json:"was_created"`
	Count      int64    `json:"count"`
	Severity   Severity `json:"severity"`
}

// ClusterFilter narrows cluster listings.
type ClusterFilter struct {
	Status    ClusterStatus
	ServiceID string
	LogSource string
	Since     time.Time
	Limit     int
	Offset    int
}

// LogSample is a retained example occurrence for a cluster.
type LogSample struct {
	ServiceID  string    `json:"service_id"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	StackTrace string    `json:"stack_trace,omitempty"`
	LoggedAt   time.Time `json:"logged_at"`
}

// StatusAudit is one recorded lifecycle transition.
type StatusAudit struct {
	ClusterID  string        `json:"cluster_id"`
	FromStatus ClusterStatus `json:"from_status"`
	ToStatus   ClusterStatus `json:"to_status"`
	Actor      string        `json:"actor"`
	ChangedAt  time.Time     `json:"changed_at"`
}
