package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
	"github.com/google/uuid"
)

// GetIndexingRecord returns the current indexing state for an identity.
// An identity that never indexed yields a not_indexed record rather
// than ErrNotFound.
func (s *Store) GetIndexingRecord(ctx context.Context, serviceID, logSource string) (*models.IndexingRecord, error) {
	rec := &models.IndexingRecord{ServiceID: serviceID, LogSource: logSource}
	var lastIndexedAt, startedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT status, last_indexed_commit, last_indexed_at, indexing_error, trigger_source, mode, started_at
		FROM indexing_state WHERE service_id = ? AND log_source_id = ?
	`, serviceID, logSource).Scan(&rec.Status, &rec.LastIndexedCommit, &lastIndexedAt,
		&rec.IndexingError, &rec.Trigger, &rec.Mode, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		rec.Status = models.IndexNotIndexed
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying indexing state: %w", err)
	}
	rec.LastIndexedAt = fromMillis(lastIndexedAt)
	rec.StartedAt = fromMillis(startedAt)
	return rec, nil
}

// ClaimIndexing atomically claims the identity for a run. The guarded
// update enforces both exclusivity (no second run while one is in
// flight) and the cooldown window, measured from the previous start.
func (s *Store) ClaimIndexing(ctx context.Context, serviceID, logSource string, trigger models.IndexTrigger, mode models.IndexMode, minInterval time.Duration, now time.Time) (string, error) {
	runID := uuid.NewString()
	nowMs := millis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO indexing_state (service_id, log_source_id, status, trigger_source, mode, started_at, current_run_id)
		VALUES (?, ?, 'indexing', ?, ?, ?, ?)
		ON CONFLICT(service_id, log_source_id) DO UPDATE SET
			status = 'indexing',
			trigger_source = excluded.trigger_source,
			mode = excluded.mode,
			started_at = excluded.started_at,
			current_run_id = excluded.current_run_id,
			indexing_error = ''
		WHERE indexing_state.status != 'indexing'
		  AND excluded.started_at - indexing_state.started_at >= ?
	`, serviceID, logSource, string(trigger), string(mode), nowMs, runID, minInterval.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("claiming indexing: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Rejected: work out which typed condition applies.
		var status string
		var startedAt int64
		err := tx.QueryRowContext(ctx, `
			SELECT status, started_at FROM indexing_state WHERE service_id = ? AND log_source_id = ?
		`, serviceID, logSource).Scan(&status, &startedAt)
		if err != nil {
			return "", fmt.Errorf("querying rejected claim: %w", err)
		}
		if models.IndexingStatus(status) == models.IndexIndexing {
			return "", models.ErrAlreadyInProgress
		}
		return "", models.ErrCooldown
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO indexing_runs (run_id, service_id, log_source_id, mode, trigger_source, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, serviceID, logSource, string(mode), string(trigger), nowMs); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return runID, nil
}

// FinishIndexing records the outcome of a run and releases the
// in-progress claim. The run id guard means a stale finisher cannot
// clobber a newer claim.
func (s *Store) FinishIndexing(ctx context.Context, serviceID, logSource, runID string, run *models.IndexingRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	status := models.IndexCompleted
	if run.Error != "" {
		status = models.IndexFailed
	}

	var res sql.Result
	if status == models.IndexCompleted {
		res, err = tx.ExecContext(ctx, `
			UPDATE indexing_state SET
				status = ?, last_indexed_commit = ?, last_indexed_at = ?,
				indexing_error = '', current_run_id = ''
			WHERE service_id = ? AND log_source_id = ? AND current_run_id = ?
		`, string(status), run.Commit, millis(run.FinishedAt), serviceID, logSource, runID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE indexing_state SET
				status = ?, indexing_error = ?, current_run_id = ''
			WHERE service_id = ? AND log_source_id = ? AND current_run_id = ?
		`, string(status), run.Error, serviceID, logSource, runID)
	}
	if err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE indexing_runs SET
			commit_sha = ?, files_indexed = ?, blocks_indexed = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, run.Commit, run.FilesIndexed, run.BlocksIndexed, run.Error, millis(run.FinishedAt), runID); err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return tx.Commit()
}

// ReleaseStaleIndexing clears claims whose run outlived the expected
// job duration, so a crashed worker does not strand an identity.
func (s *Store) ReleaseStaleIndexing(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE indexing_state SET
			status = 'failed', indexing_error = 'stale run cleared', current_run_id = ''
		WHERE status = 'indexing' AND started_at < ?
	`, millis(now.Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("releasing stale claims: %w", err)
	}
	return res.RowsAffected()
}

// ListIndexingRuns returns run history, newest first.
func (s *Store) ListIndexingRuns(ctx context.Context, serviceID, logSource string, limit int) ([]*models.IndexingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, service_id, log_source_id, mode, trigger_source, commit_sha,
		       files_indexed, blocks_indexed, error, started_at, finished_at
		FROM indexing_runs
		WHERE service_id = ? AND log_source_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, serviceID, logSource, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.IndexingRun
	for rows.Next() {
		run := &models.IndexingRun{}
		var startedAt, finishedAt int64
		if err := rows.Scan(&run.RunID, &run.ServiceID, &run.LogSource, &run.Mode, &run.Trigger,
			&run.Commit, &run.FilesIndexed, &run.BlocksIndexed, &run.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.StartedAt = fromMillis(startedAt)
		run.FinishedAt = fromMillis(finishedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
