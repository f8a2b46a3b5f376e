package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ledgerline/ledgerline/internal/checkpoint"
	"github.com/ledgerline/ledgerline/internal/eventlog"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping checkpoint db: %w", err)
	}
	return nil
}

func (r *Repository) TryGet(ctx context.Context, id checkpoint.ProcessorID) (checkpoint.State, bool, error) {
	query := `
SELECT kind, position, is_failing, failure_reason, retry_time, processing_attempts, last_successfully_processed, failing_partitions
FROM stream_processor_state
WHERE tenant_id = $1 AND scope_id = $2 AND processor_id = $3 AND source_stream = $4`

	var (
		record      checkpoint.Record
		kind        string
		position    int64
		attempts    int64
		retryTime   sql.NullTime
		lastSuccess sql.NullTime
		partitions  []byte
	)
	err := r.db.QueryRowContext(ctx, query, string(id.Tenant), string(id.Scope), id.Processor, id.SourceStream).Scan(
		&kind,
		&position,
		&record.IsFailing,
		&record.FailureReason,
		&retryTime,
		&attempts,
		&lastSuccess,
		&partitions,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get stream processor state: %w", err)
	}

	record.Kind = checkpoint.Kind(kind)
	record.Position = eventlog.SequenceNumber(position)
	record.ProcessingAttempts = uint32(attempts)
	if retryTime.Valid {
		record.RetryTime = retryTime.Time.UTC()
	}
	if lastSuccess.Valid {
		record.LastSuccessfullyProcessed = lastSuccess.Time.UTC()
	}
	if len(partitions) > 0 {
		if err := json.Unmarshal(partitions, &record.FailingPartitions); err != nil {
			return nil, false, fmt.Errorf("decode failing partitions for %s: %w", id, err)
		}
	}

	state, err := checkpoint.DecodeState(record)
	if err != nil {
		return nil, false, fmt.Errorf("decode stream processor state %s: %w", id, err)
	}
	return state, true, nil
}

// PersistBatch upserts every state of the group in one transaction. Values are
// written as absolute snapshots so repeating a batch is harmless.
func (r *Repository) PersistBatch(ctx context.Context, group eventlog.ScopeKey, states map[checkpoint.ProcessorID]checkpoint.State) error {
	if len(states) == 0 {
		return nil
	}
	ids := make([]checkpoint.ProcessorID, 0, len(states))
	for id := range states {
		if id.Group() != group {
			return fmt.Errorf("processor %s does not belong to group %s", id, group)
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b checkpoint.ProcessorID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		default:
			return 0
		}
	})

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
INSERT INTO stream_processor_state (
    tenant_id, scope_id, processor_id, source_stream, kind, position, is_failing, failure_reason,
    retry_time, processing_attempts, last_successfully_processed, failing_partitions, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, NOW())
ON CONFLICT (tenant_id, scope_id, processor_id, source_stream)
DO UPDATE SET
    kind = EXCLUDED.kind,
    position = EXCLUDED.position,
    is_failing = EXCLUDED.is_failing,
    failure_reason = EXCLUDED.failure_reason,
    retry_time = EXCLUDED.retry_time,
    processing_attempts = EXCLUDED.processing_attempts,
    last_successfully_processed = EXCLUDED.last_successfully_processed,
    failing_partitions = EXCLUDED.failing_partitions,
    updated_at = NOW()`

	for _, id := range ids {
		record, err := checkpoint.EncodeState(states[id])
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		partitions := "{}"
		if len(record.FailingPartitions) > 0 {
			encoded, err := json.Marshal(record.FailingPartitions)
			if err != nil {
				return fmt.Errorf("encode failing partitions for %s: %w", id, err)
			}
			partitions = string(encoded)
		}
		if _, err := tx.ExecContext(ctx, query,
			string(id.Tenant),
			string(id.Scope),
			id.Processor,
			id.SourceStream,
			string(record.Kind),
			clampPosition(record.Position),
			record.IsFailing,
			record.FailureReason,
			nullableTime(record.RetryTime),
			int64(record.ProcessingAttempts),
			nullableTime(record.LastSuccessfullyProcessed),
			partitions,
		); err != nil {
			return fmt.Errorf("upsert stream processor state %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}

func clampPosition(value eventlog.SequenceNumber) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

var _ checkpoint.Repository = (*Repository)(nil)
