// Package sqlite provides the SQLite-backed durable store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fidde/exception_clusterer/internal/cluster"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// Store is the SQLite-backed store for clusters, RCA records, indexing
// state and task configuration. SQLite serializes writers, which gives
// the atomic upsert and claim semantics the engine relies on; the busy
// timeout covers writer contention between ingestion workers.
type Store struct {
	db       *sql.DB
	severity cluster.SeverityRules

	// sampleCap bounds retained example log lines per cluster.
	sampleCap int
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath        string
	SeverityRules cluster.SeverityRules
	SampleCap     int
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:        dbPath,
		SeverityRules: cluster.DefaultSeverityRules(),
		SampleCap:     10,
	}
}

// New creates a new SQLite store with the given configuration.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: the pragmas below apply to every statement and
	// concurrent write transactions never contend for the file lock.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	sampleCap := cfg.SampleCap
	if sampleCap <= 0 {
		sampleCap = 10
	}

	return &Store{
		db:        db,
		severity:  cfg.SeverityRules,
		sampleCap: sampleCap,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cleanup trims history tables older than cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) error {
	tables := []struct {
		table, column string
	}{
		{"cluster_samples", "logged_at"},
		{"cluster_status_audit", "changed_at"},
		{"indexing_runs", "started_at"},
		{"rca_feedback", "created_at"},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := tx.ExecContext(ctx, query, cutoff.UnixMilli()); err != nil {
			return fmt.Errorf("cleaning %s: %w", t.table, err)
		}
	}

	return tx.Commit()
}

// Helper functions

// millis converts a time to the stored integer representation.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis converts a stored integer back to a time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encodeJSON encodes data as a JSON string.
func encodeJSON(data interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return string(b), nil
}

// decodeJSON decodes a JSON string into target.
func decodeJSON(data string, target interface{}) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}
