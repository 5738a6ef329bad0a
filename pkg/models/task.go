package models

import "time"

// TaskType enumerates the background job families the orchestrator drives.
type TaskType string

const (
	TaskLogFetch      TaskType = "log_fetch"
	TaskRCAGeneration TaskType = "rca_generation"
	TaskCodeIndexing  TaskType = "code_indexing"
	TaskCleanup       TaskType = "cleanup"
)

// AllTaskTypes lists every task type, in a stable order.
var AllTaskTypes = []TaskType{TaskLogFetch, TaskRCAGeneration, TaskCodeIndexing, TaskCleanup}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskLogFetch, TaskRCAGeneration, TaskCodeIndexing, TaskCleanup:
		return true
	}
	return false
}

// TaskDefault is the global configuration for one task type.
type TaskDefault struct {
	TaskType        TaskType `json:"task_type"`
	Enabled         bool     `json:"enabled"`
	IntervalSeconds int64    `json:"interval_seconds"`
}

// ServiceTaskConfig is a per-service override. Exactly one interval unit
// is populated at a time; writes clear the other two.
type ServiceTaskConfig struct {
	ServiceID       string   `json:"service_id"`
	TaskType        TaskType `json:"task_type"`
	Enabled         *bool    `json:"enabled,omitempty"`
	IntervalMinutes *int64   `json:"interval_minutes,omitempty"`
	IntervalHours   *int64   `json:"interval_hours,omitempty"`
	IntervalDays    *int64   `json:"interval_days,omitempty"`
}

// IntervalSeconds normalizes whichever unit is set. Returns 0 when no
// unit is populated.
func (c *ServiceTaskConfig) IntervalSeconds() int64 {
	switch {
	case c.IntervalMinutes != nil:
		return *c.IntervalMinutes * 60
	case c.IntervalHours != nil:
		return *c.IntervalHours * 3600
	case c.IntervalDays != nil:
		return *c.IntervalDays * 86400
	}
	return 0
}

// LogSourceConfig is the most specific override, scoped to one log
// source of a service. It applies to fetch-related tasks only.
type LogSourceConfig struct {
	ServiceID            string `json:"service_id"`
	LogSource            string `json:"log_source_id"`
	FetchEnabled         *bool  `json:"fetch_enabled,omitempty"`
	FetchIntervalMinutes *int64 `json:"fetch_interval_minutes,omitempty"`
}

// EffectiveConfig is the merged result of the three configuration scopes.
type EffectiveConfig struct {
	TaskType        TaskType `json:"task_type"`
	ServiceID       string   `json:"service_id"`
	LogSource       string   `json:"log_source_id,omitempty"`
	Enabled         bool     `json:"enabled"`
	IntervalSeconds int64    `json:"interval_seconds"`

	// Scope names which tier supplied the winning values:
	// "global", "service" or "log_source".
	Scope string `json:"scope"`
}

// TaskState is the lifecycle of an async job handle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is the pollable view of a queued job.
type TaskStatus struct {
	TaskID     string    `json:"task_id"`
	Type       TaskType  `json:"type"`
	ServiceID  string    `json:"service_id,omitempty"`
	State      TaskState `json:"state"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
