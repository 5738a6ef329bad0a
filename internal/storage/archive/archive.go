// Package archive persists accepted raw log events to ClickHouse for
// later sampling and offline analysis. It sits outside the clustering
// hot path: the engine works fine with the archive disabled.
package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/fidde/exception_clusterer/pkg/models"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	defaultDialTimeout  = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryDelay   = 1 * time.Second
)

// Config holds ClickHouse connection and buffering parameters.
type Config struct {
	Addr         string
	Database     string
	Username     string
	Password     string
	MaxOpenConns int
	MaxIdleConns int
	DialTimeout  time.Duration
	MaxRetries   int
	TLS          *tls.Config

	// BatchSize rows are buffered before a flush; FlushInterval bounds
	// how long a row can sit unflushed.
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns a config suitable for a local ClickHouse.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:9000",
		Database:     "default",
		Username:     "default",
		Password:     "",
		MaxOpenConns: defaultMaxOpenConns,
		MaxIdleConns: defaultMaxIdleConns,
		DialTimeout:  defaultDialTimeout,
		MaxRetries:   defaultMaxRetries,
	}
}

// Archive is a buffered ClickHouse writer for raw log events.
type Archive struct {
	conn   driver.Conn
	buffer *batchBuffer
	logger *slog.Logger
}

// New connects to ClickHouse with retries, ensures the schema and
// starts the flush loop.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Archive, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := initializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}

	return &Archive{
		conn:   conn,
		buffer: newBatchBuffer(conn, cfg.BatchSize, cfg.FlushInterval, logger),
		logger: logger,
	}, nil
}

// connect opens a connection with exponential-backoff retries.
func connect(ctx context.Context, cfg *Config) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS:              cfg.TLS,
	}

	var conn driver.Conn
	var err error
	retryDelay := defaultRetryDelay

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		conn, err = clickhouse.Open(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				return conn, nil
			}
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
				retryDelay *= 2
			}
		}
	}

	return nil, fmt.Errorf("connecting to ClickHouse after %d attempts: %w", cfg.MaxRetries, err)
}

// Append buffers one event for the next flush.
func (a *Archive) Append(ctx context.Context, event *models.LogEvent) error {
	return a.buffer.add(eventRow{
		Timestamp:        event.Timestamp,
		ServiceID:        event.ServiceID,
		LogSource:        event.LogSource,
		Level:            event.Level,
		Logger:           event.Logger,
		Message:          event.Message,
		ExceptionType:    event.ExceptionType,
		ExceptionMessage: event.ExceptionMessage,
		StackTrace:       event.StackTrace,
	})
}

// Recent returns archived events for a service, newest first.
func (a *Archive) Recent(ctx context.Context, serviceID string, since time.Time, limit int) ([]*models.LogEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.conn.Query(ctx, `
		SELECT timestamp, service_id, log_source_id, level, logger,
		       message, exception_type, exception_message, stack_trace
		FROM log_events
		WHERE service_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`, serviceID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LogEvent
	for rows.Next() {
		var e models.LogEvent
		if err := rows.Scan(&e.Timestamp, &e.ServiceID, &e.LogSource, &e.Level, &e.Logger,
			&e.Message, &e.ExceptionType, &e.ExceptionMessage, &e.StackTrace); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close flushes remaining rows and closes the connection.
func (a *Archive) Close(ctx context.Context) error {
	flushErr := a.buffer.close(ctx)
	closeErr := a.conn.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
