package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// GetTaskDefault returns the global configuration for a task type.
func (s *Store) GetTaskDefault(ctx context.Context, taskType models.TaskType) (*models.TaskDefault, error) {
	def := &models.TaskDefault{TaskType: taskType}
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, interval_seconds FROM task_defaults WHERE task_type = ?
	`, string(taskType)).Scan(&enabled, &def.IntervalSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task default: %w", err)
	}
	def.Enabled = enabled != 0
	return def, nil
}

// SetTaskDefault writes the global configuration for a task type.
func (s *Store) SetTaskDefault(ctx context.Context, def *models.TaskDefault) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_defaults (task_type, enabled, interval_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT(task_type) DO UPDATE SET
			enabled = excluded.enabled,
			interval_seconds = excluded.interval_seconds
	`, string(def.TaskType), boolToInt(def.Enabled), def.IntervalSeconds)
	if err != nil {
		return fmt.Errorf("upserting task default: %w", err)
	}
	return nil
}

// GetServiceTaskConfig returns the per-service override, or ErrNotFound
// when no override exists.
func (s *Store) GetServiceTaskConfig(ctx context.Context, serviceID string, taskType models.TaskType) (*models.ServiceTaskConfig, error) {
	cfg := &models.ServiceTaskConfig{ServiceID: serviceID, TaskType: taskType}
	var enabled sql.NullInt64
	var minutes, hours, days sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, interval_minutes, interval_hours, interval_days
		FROM service_task_configs WHERE service_id = ? AND task_type = ?
	`, serviceID, string(taskType)).Scan(&enabled, &minutes, &hours, &days)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service config: %w", err)
	}

	if enabled.Valid {
		b := enabled.Int64 != 0
		cfg.Enabled = &b
	}
	if minutes.Valid {
		cfg.IntervalMinutes = &minutes.Int64
	}
	if hours.Valid {
		cfg.IntervalHours = &hours.Int64
	}
	if days.Valid {
		cfg.IntervalDays = &days.Int64
	}
	return cfg, nil
}

// SetServiceTaskConfig writes a per-service override. The caller has
// already normalized the interval units; at most one is non-nil and the
// others are stored as NULL.
func (s *Store) SetServiceTaskConfig(ctx context.Context, cfg *models.ServiceTaskConfig) error {
	var enabled interface{}
	if cfg.Enabled != nil {
		enabled = boolToInt(*cfg.Enabled)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_task_configs (service_id, task_type, enabled, interval_minutes, interval_hours, interval_days)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_id, task_type) DO UPDATE SET
			enabled = excluded.enabled,
			interval_minutes = excluded.interval_minutes,
			interval_hours = excluded.interval_hours,
			interval_days = excluded.interval_days
	`, cfg.ServiceID, string(cfg.TaskType), enabled,
		nullable(cfg.IntervalMinutes), nullable(cfg.IntervalHours), nullable(cfg.IntervalDays))
	if err != nil {
		return fmt.Errorf("upserting service config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO services (service_id) VALUES (?)`, cfg.ServiceID)
	return err
}

func nullable(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// GetLogSourceConfig returns the log-source override, or ErrNotFound.
func (s *Store) GetLogSourceConfig(ctx context.Context, serviceID, logSource string) (*models.LogSourceConfig, error) {
	cfg := &models.LogSourceConfig{ServiceID: serviceID, LogSource: logSource}
	var enabled, minutes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT fetch_enabled, fetch_interval_minutes
		FROM log_source_configs WHERE service_id = ? AND log_source_id = ?
	`, serviceID, logSource).Scan(&enabled, &minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying log source config: %w", err)
	}

	if enabled.Valid {
		b := enabled.Int64 != 0
		cfg.FetchEnabled = &b
	}
	if minutes.Valid {
		cfg.FetchIntervalMinutes = &minutes.Int64
	}
	return cfg, nil
}

// SetLogSourceConfig writes a log-source override.
func (s *Store) SetLogSourceConfig(ctx context.Context, cfg *models.LogSourceConfig) error {
	var enabled interface{}
	if cfg.FetchEnabled != nil {
		enabled = boolToInt(*cfg.FetchEnabled)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_source_configs (service_id, log_source_id, fetch_enabled, fetch_interval_minutes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id, log_source_id) DO UPDATE SET
			fetch_enabled = excluded.fetch_enabled,
			fetch_interval_minutes = excluded.fetch_interval_minutes
	`, cfg.ServiceID, cfg.LogSource, enabled, nullable(cfg.FetchIntervalMinutes))
	if err != nil {
		return fmt.Errorf("upserting log source config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO services (service_id) VALUES (?)`, cfg.ServiceID)
	return err
}

// SetServiceEnabled flips every task type and every log source for a
// service in one transaction, so the bulk operation is all-or-nothing.
func (s *Store) SetServiceEnabled(ctx context.Context, serviceID string, enabled bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, taskType := range models.AllTaskTypes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_task_configs (service_id, task_type, enabled)
			VALUES (?, ?, ?)
			ON CONFLICT(service_id, task_type) DO UPDATE SET enabled = excluded.enabled
		`, serviceID, string(taskType), boolToInt(enabled)); err != nil {
			return fmt.Errorf("flipping %s: %w", taskType, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE log_source_configs SET fetch_enabled = ? WHERE service_id = ?
	`, boolToInt(enabled), serviceID); err != nil {
		return fmt.Errorf("flipping log sources: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO services (service_id) VALUES (?)`, serviceID); err != nil {
		return err
	}

	return tx.Commit()
}

// ListServices returns every known service id.
func (s *Store) ListServices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service_id FROM services ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// ListLogSources returns the configured log sources for a service.
func (s *Store) ListLogSources(ctx context.Context, serviceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT log_source_id FROM log_source_configs WHERE service_id = ? ORDER BY log_source_id
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying log sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scanning log source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// GetLastRun returns when the orchestrator last enqueued the task for a
// scope. The zero time means never.
func (s *Store) GetLastRun(ctx context.Context, taskType models.TaskType, scopeKey string) (time.Time, error) {
	var lastRun int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_at FROM task_runs WHERE task_type = ? AND scope_key = ?
	`, string(taskType), scopeKey).Scan(&lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying last run: %w", err)
	}
	return fromMillis(lastRun), nil
}

// SetLastRun stamps the last enqueue time for a task/scope. The
// orchestrator is the sole writer.
func (s *Store) SetLastRun(ctx context.Context, taskType models.TaskType, scopeKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_type, scope_key, last_run_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_type, scope_key) DO UPDATE SET last_run_at = excluded.last_run_at
	`, string(taskType), scopeKey, millis(at))
	if err != nil {
		return fmt.Errorf("stamping last run: %w", err)
	}
	return nil
}
