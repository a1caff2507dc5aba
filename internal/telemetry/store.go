package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Store is the optional Postgres snapshot sink: every telemetry Event
// is appended to a daily-partitioned bgp_events table managed by
// internal/maintenance.
type Store struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	compress bool
	encoder  *zstd.Encoder
}

// NewStore wraps an already-open pool (internal/db owns connecting and
// lifecycle); callers that don't configure a snapshot store simply
// never construct one.
func NewStore(pool *pgxpool.Pool, compress bool, logger *zap.Logger) (*Store, error) {
	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("telemetry: zstd encoder: %w", err)
		}
	}
	return &Store{pool: pool, logger: logger, compress: compress, encoder: enc}, nil
}

const insertEventSQL = `
	INSERT INTO bgp_events (ingest_time, peer, kind, state, direction, message_type, code, subcode, family, withdrawn, announced, process, paused, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// Record inserts one event row. Rows are issued one at a time since
// telemetry events are not batched upstream; the collector goroutine is
// the only writer.
func (s *Store) Record(ctx context.Context, ev Event) error {
	var detail []byte
	if s.compress {
		detail = s.encoder.EncodeAll(eventDetailJSON(ev), nil)
	} else {
		detail = eventDetailJSON(ev)
	}

	_, err := s.pool.Exec(ctx, insertEventSQL,
		ev.Time.UTC(), ev.Peer, int(ev.Kind), ev.State, ev.Direction, int(ev.MessageType),
		int(ev.Code), int(ev.Subcode), ev.Family, ev.Withdrawn, ev.Announced,
		ev.Process, ev.Paused, detail,
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert event: %w", err)
	}
	return nil
}

func eventDetailJSON(ev Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return b
}

// Close releases the encoder; the pool is owned and closed by the
// caller that opened it.
func (s *Store) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
	}
	return nil
}

// RetainDays prunes bgp_events rows older than retentionDays, a
// fallback for deployments that run the table unpartitioned;
// partitioned deployments drop whole partitions via
// maintenance.PartitionManager instead.
func RetainDays(ctx context.Context, pool *pgxpool.Pool, retentionDays int, logger *zap.Logger) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	_, err := pool.Exec(ctx, `DELETE FROM bgp_events WHERE ingest_time < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("telemetry: pruning old events: %w", err)
	}
	return nil
}
