package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// UpsertCluster folds one fingerprinted occurrence into its cluster.
// The whole read-modify-write runs in a single transaction, so two
// concurrent upserts for the same fingerprint cannot lose an increment
// or create two rows.
func (s *Store) UpsertCluster(ctx context.Context, up *models.ClusterUpsert) (*models.ClusterUpdateResult, error) {
	if up.ClusterID == "" || up.ServiceID == "" {
		return nil, models.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := millis(up.Timestamp)

	var count int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO clusters (
			cluster_id, exception_type, signature, occurrence_count,
			first_seen, last_seen, status, status_updated_at, logger_path
		) VALUES (?, ?, ?, 1, ?, ?, 'active', ?, ?)
		ON CONFLICT(cluster_id) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			first_seen = MIN(first_seen, excluded.first_seen),
			last_seen = MAX(last_seen, excluded.last_seen),
			logger_path = CASE WHEN excluded.logger_path != '' THEN excluded.logger_path ELSE logger_path END
		RETURNING occurrence_count
	`, up.ClusterID, up.ExceptionType, up.Signature, ts, ts, ts, up.LoggerPath).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("upserting cluster: %w", err)
	}
	wasCreated := count == 1

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cluster_services (cluster_id, service_id, log_source_id)
		VALUES (?, ?, ?)
	`, up.ClusterID, up.ServiceID, up.LogSource); err != nil {
		return nil, fmt.Errorf("upserting cluster service: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO services (service_id) VALUES (?)
	`, up.ServiceID); err != nil {
		return nil, fmt.Errorf("upserting service: %w", err)
	}

	level := strings.ToUpper(up.Level)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cluster_levels (cluster_id, level, level_count)
		VALUES (?, ?, 1)
		ON CONFLICT(cluster_id, level) DO UPDATE SET level_count = level_count + 1
	`, up.ClusterID, level); err != nil {
		return nil, fmt.Errorf("upserting cluster level: %w", err)
	}

	if up.Message != "" || up.StackTrace != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_samples (cluster_id, service_id, level, message, stack_trace, logged_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, up.ClusterID, up.ServiceID, level, up.Message, up.StackTrace, ts); err != nil {
			return nil, fmt.Errorf("inserting sample: %w", err)
		}

		// Keep only the newest samples per cluster.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cluster_samples
			WHERE cluster_id = ? AND id NOT IN (
				SELECT id FROM cluster_samples WHERE cluster_id = ? ORDER BY id DESC LIMIT ?
			)
		`, up.ClusterID, up.ClusterID, s.sampleCap); err != nil {
			return nil, fmt.Errorf("pruning samples: %w", err)
		}
	}

	// Severity is derived from the current count and level histogram on
	// every upsert; it is never sticky.
	levels, err := levelHistogramTx(ctx, tx, up.ClusterID)
	if err != nil {
		return nil, err
	}
	severity := s.severity.Compute(count, levels)
	if _, err := tx.ExecContext(ctx, `
		UPDATE clusters SET severity = ? WHERE cluster_id = ?
	`, string(severity), up.ClusterID); err != nil {
		return nil, fmt.Errorf("updating severity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &models.ClusterUpdateResult{
		ClusterID:  up.ClusterID,
		WasCreated: wasCreated,
		Count:      count,
		Severity:   severity,
	}, nil
}

func levelHistogramTx(ctx context.Context, tx *sql.Tx, clusterID string) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT level, level_count FROM cluster_levels WHERE cluster_id = ?
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("querying levels: %w", err)
	}
	defer rows.Close()

	levels := make(map[string]int64)
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scanning level: %w", err)
		}
		levels[level] = n
	}
	return levels, rows.Err()
}

// GetCluster retrieves a cluster with its services and level histogram.
func (s *Store) GetCluster(ctx context.Context, clusterID string) (*models.ExceptionCluster, error) {
	c := &models.ExceptionCluster{}
	var firstSeen, lastSeen, statusUpdatedAt int64
	var hasRCA int
	err := s.db.QueryRowContext(ctx, `
		SELECT cluster_id, exception_type, signature, severity, occurrence_count,
		       first_seen, last_seen, status, status_updated_at, status_updated_by,
		       has_rca, logger_path
		FROM clusters WHERE cluster_id = ?
	`, clusterID).Scan(
		&c.ClusterID, &c.ExceptionType, &c.Signature, &c.Severity, &c.Count,
		&firstSeen, &lastSeen, &c.Status, &statusUpdatedAt, &c.StatusUpdatedBy,
		&hasRCA, &c.LoggerPath,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cluster: %w", err)
	}

	c.FirstSeen = fromMillis(firstSeen)
	c.LastSeen = fromMillis(lastSeen)
	c.StatusUpdatedAt = fromMillis(statusUpdatedAt)
	c.HasRCA = hasRCA != 0

	if err := s.fillClusterSets(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// fillClusterSets loads the services set and level histogram.
func (s *Store) fillClusterSets(ctx context.Context, c *models.ExceptionCluster) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT service_id FROM cluster_services WHERE cluster_id = ? ORDER BY service_id
	`, c.ClusterID)
	if err != nil {
		return fmt.Errorf("querying cluster services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return fmt.Errorf("scanning service: %w", err)
		}
		c.Services = append(c.Services, svc)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	lrows, err := s.db.QueryContext(ctx, `
		SELECT level, level_count FROM cluster_levels WHERE cluster_id = ?
	`, c.ClusterID)
	if err != nil {
		return fmt.Errorf("querying cluster levels: %w", err)
	}
	defer lrows.Close()

	c.Levels = make(map[string]int64)
	for lrows.Next() {
		var level string
		var n int64
		if err := lrows.Scan(&level, &n); err != nil {
			return fmt.Errorf("scanning level: %w", err)
		}
		c.Levels[level] = n
	}
	return lrows.Err()
}

// ListClusters returns clusters matching the filter, most recent first.
func (s *Store) ListClusters(ctx context.Context, filter models.ClusterFilter) ([]*models.ExceptionCluster, error) {
	query := `
		SELECT DISTINCT c.cluster_id, c.exception_type, c.signature, c.severity,
		       c.occurrence_count, c.first_seen, c.last_seen, c.status,
		       c.status_updated_at, c.status_updated_by, c.has_rca, c.logger_path
		FROM clusters c
	`
	var conds []string
	var args []interface{}

	if filter.ServiceID != "" || filter.LogSource != "" {
		query += " JOIN cluster_services cs ON cs.cluster_id = c.cluster_id"
		if filter.ServiceID != "" {
			conds = append(conds, "cs.service_id = ?")
			args = append(args, filter.ServiceID)
		}
		if filter.LogSource != "" {
			conds = append(conds, "cs.log_source_id = ?")
			args = append(args, filter.LogSource)
		}
	}
	if filter.Status != "" {
		conds = append(conds, "c.status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "c.last_seen >= ?")
		args = append(args, millis(filter.Since))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY c.last_seen DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*models.ExceptionCluster
	for rows.Next() {
		c := &models.ExceptionCluster{}
		var firstSeen, lastSeen, statusUpdatedAt int64
		var hasRCA int
		if err := rows.Scan(
			&c.ClusterID, &c.ExceptionType, &c.Signature, &c.Severity, &c.Count,
			&firstSeen, &lastSeen, &c.Status, &statusUpdatedAt, &c.StatusUpdatedBy,
			&hasRCA, &c.LoggerPath,
		); err != nil {
			return nil, fmt.Errorf("scanning cluster: %w", err)
		}
		c.FirstSeen = fromMillis(firstSeen)
		c.LastSeen = fromMillis(lastSeen)
		c.StatusUpdatedAt = fromMillis(statusUpdatedAt)
		c.HasRCA = hasRCA != 0
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range clusters {
		if err := s.fillClusterSets(ctx, c); err != nil {
			return nil, err
		}
	}
	return clusters, nil
}

// GetClusterSamples returns retained example occurrences, newest first.
func (s *Store) GetClusterSamples(ctx context.Context, clusterID string, limit int) ([]*models.LogSample, error) {
	if limit <= 0 || limit > s.sampleCap {
		limit = s.sampleCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, level, message, stack_trace, logged_at
		FROM cluster_samples WHERE cluster_id = ?
		ORDER BY id DESC LIMIT ?
	`, clusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.LogSample
	for rows.Next() {
		sample := &models.LogSample{}
		var loggedAt int64
		if err := rows.Scan(&sample.ServiceID, &sample.Level, &sample.Message, &sample.StackTrace, &loggedAt); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		sample.LoggedAt = fromMillis(loggedAt)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// TransitionCluster applies an operator lifecycle action. The current
// status is validated and swapped inside one transaction; counts and
// first_seen are never touched.
func (s *Store) TransitionCluster(ctx context.Context, clusterID string, to models.ClusterStatus, allowedFrom []models.ClusterStatus, actor string) (*models.ExceptionCluster, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM clusters WHERE cluster_id = ?`, clusterID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}

	allowed := false
	for _, from := range allowedFrom {
		if models.ClusterStatus(current) == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, to)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE clusters SET status = ?, status_updated_at = ?, status_updated_by = ?
		WHERE cluster_id = ? AND status = ?
	`, string(to), millis(now), actor, clusterID, current)
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: concurrent status change", models.ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cluster_status_audit (cluster_id, from_status, to_status, actor, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, clusterID, current, string(to), actor, millis(now)); err != nil {
		return nil, fmt.Errorf("inserting audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetCluster(ctx, clusterID)
}

// ListStatusAudit returns lifecycle transitions for a cluster, oldest first.
func (s *Store) ListStatusAudit(ctx context.Context, clusterID string) ([]*models.StatusAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cluster_id, from_status, to_status, actor, changed_at
		FROM cluster_status_audit WHERE cluster_id = ? ORDER BY id
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("querying audit: %w", err)
	}
	defer rows.Close()

	var audits []*models.StatusAudit
	for rows.Next() {
		a := &models.StatusAudit{}
		var changedAt int64
		if err := rows.Scan(&a.ClusterID, &a.FromStatus, &a.ToStatus, &a.Actor, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning audit: %w", err)
		}
		a.ChangedAt = fromMillis(changedAt)
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
