package archive

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const logEventsTableDDL = `
	CREATE TABLE IF NOT EXISTS log_events (
		timestamp DateTime64(3),
		service_id LowCardinality(String),
		log_source_id LowCardinality(String),
		level LowCardinality(String),
		logger String,
		message String,
		exception_type LowCardinality(String),
		exception_message String,
		stack_trace String,
		ingested_at DateTime64(3) DEFAULT now64(3)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (service_id, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 30 DAY
`

// initializeSchema creates the archive table if it does not exist.
func initializeSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, logEventsTableDDL); err != nil {
		return fmt.Errorf("creating table log_events: %w", err)
	}
	return nil
}
