package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultShutdownWait  = 10 * time.Second
	insertMaxRetries     = 3
)

// eventRow is one row of the log_events table.
type eventRow struct {
	Timestamp        time.Time
	ServiceID        string
	LogSource        string
	Level            string
	Logger           string
	Message          string
	ExceptionType    string
	ExceptionMessage string
	StackTrace       string
}

// batchBuffer accumulates rows and flushes them on size or timer.
type batchBuffer struct {
	conn driver.Conn

	mu   sync.Mutex
	rows []eventRow

	batchSize     int
	flushInterval time.Duration
	shutdownWait  time.Duration

	flushTimer *time.Timer
	stopCh     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func newBatchBuffer(conn driver.Conn, batchSize int, flushInterval time.Duration, logger *slog.Logger) *batchBuffer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	b := &batchBuffer{
		conn:          conn,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownWait:  defaultShutdownWait,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}

	b.flushTimer = time.NewTimer(b.flushInterval)

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

func (b *batchBuffer) add(row eventRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, row)

	if len(b.rows) >= b.batchSize {
		return b.flushLocked()
	}
	return nil
}

func (b *batchBuffer) flushLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.flushTimer.C:
			b.mu.Lock()
			_ = b.flushLocked()
			b.mu.Unlock()
			b.flushTimer.Reset(b.flushInterval)

		case <-b.stopCh:
			return
		}
	}
}

// flushLocked sends buffered rows; the lock is released during the
// insert so producers are not stalled behind network I/O.
func (b *batchBuffer) flushLocked() error {
	if len(b.rows) == 0 {
		return nil
	}

	start := time.Now()
	rows := b.rows
	b.rows = nil

	b.mu.Unlock()
	err := b.insert(rows)
	b.mu.Lock()

	if err != nil {
		b.logger.Error("failed to flush events",
			"error", err,
			"row_count", len(rows),
		)
		return err
	}

	b.logger.Debug("flushed events",
		"row_count", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (b *batchBuffer) insert(rows []eventRow) error {
	var err error
	retryDelay := 100 * time.Millisecond

	for attempt := 1; attempt <= insertMaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = b.insertOnce(ctx, rows)
		cancel()

		if err == nil {
			return nil
		}

		if attempt < insertMaxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	return err
}

func (b *batchBuffer) insertOnce(ctx context.Context, rows []eventRow) error {
	batch, err := b.conn.PrepareBatch(ctx, "INSERT INTO log_events")
	if err != nil {
		return err
	}

	for _, row := range rows {
		err = batch.Append(
			row.Timestamp,
			row.ServiceID,
			row.LogSource,
			row.Level,
			row.Logger,
			row.Message,
			row.ExceptionType,
			row.ExceptionMessage,
			row.StackTrace,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// close stops the flush loop and performs a final flush.
func (b *batchBuffer) close(ctx context.Context) error {
	var finalErr error

	b.closeOnce.Do(func() {
		close(b.stopCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, b.shutdownWait)
		defer cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			b.logger.Warn("flush loop did not stop within timeout")
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		finalErr = b.flushLocked()
	})

	return finalErr
}
