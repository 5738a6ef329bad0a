package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// StoreRCA persists the current RCA record for a cluster and flips
// has_rca in the same transaction. Regeneration supersedes the
// previous record.
func (s *Store) StoreRCA(ctx context.Context, record *models.RCARecord) error {
	recs, err := encodeJSON(record.Recommendations)
	if err != nil {
		return err
	}
	snippets, err := encodeJSON(record.CodeSnippets)
	if err != nil {
		return err
	}
	impact := ""
	if record.Impact != nil {
		if impact, err = encodeJSON(record.Impact); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE clusters SET has_rca = 1 WHERE cluster_id = ?
	`, record.ClusterID)
	if err != nil {
		return fmt.Errorf("flagging cluster: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rca_records (cluster_id, rca_id, generated_at, confidence, root_cause, recommendations, code_snippets, impact)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_id) DO UPDATE SET
			rca_id = excluded.rca_id,
			generated_at = excluded.generated_at,
			confidence = excluded.confidence,
			root_cause = excluded.root_cause,
			recommendations = excluded.recommendations,
			code_snippets = excluded.code_snippets,
			impact = excluded.impact
	`, record.ClusterID, record.RCAID, millis(record.GeneratedAt), record.ConfidenceScore,
		record.RootCause, recs, snippets, impact); err != nil {
		return fmt.Errorf("upserting rca: %w", err)
	}

	return tx.Commit()
}

// GetRCA retrieves the current RCA record for a cluster.
func (s *Store) GetRCA(ctx context.Context, clusterID string) (*models.RCARecord, error) {
	record := &models.RCARecord{}
	var generatedAt int64
	var recs, snippets, impact string

	err := s.db.QueryRowContext(ctx, `
		SELECT cluster_id, rca_id, generated_at, confidence, root_cause, recommendations, code_snippets, impact
		FROM rca_records WHERE cluster_id = ?
	`, clusterID).Scan(&record.ClusterID, &record.RCAID, &generatedAt,
		&record.ConfidenceScore, &record.RootCause, &recs, &snippets, &impact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying rca: %w", err)
	}

	record.GeneratedAt = fromMillis(generatedAt)
	if err := decodeJSON(recs, &record.Recommendations); err != nil {
		return nil, err
	}
	if err := decodeJSON(snippets, &record.CodeSnippets); err != nil {
		return nil, err
	}
	if impact != "" {
		record.Impact = &models.ImpactAnalysis{}
		if err := decodeJSON(impact, record.Impact); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// AddRCAFeedback appends a feedback row. Feedback never mutates the
// RCA record itself.
func (s *Store) AddRCAFeedback(ctx context.Context, fb *models.RCAFeedback) error {
	if fb.ClusterID == "" || fb.RCAID == "" {
		return models.ErrInvalidInput
	}

	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var rating sql.NullInt64
	if fb.AccuracyRating != nil {
		rating = sql.NullInt64{Int64: int64(*fb.AccuracyRating), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rca_feedback (cluster_id, rca_id, is_helpful, accuracy_rating, comments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fb.ClusterID, fb.RCAID, boolToInt(fb.IsHelpful), rating, fb.Comments, millis(createdAt))
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
