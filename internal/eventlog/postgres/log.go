package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

type Log struct {
	db    *sql.DB
	clock func() time.Time
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db, clock: time.Now}
}

func (l *Log) Append(ctx context.Context, scope eventlog.ScopeKey, events []eventlog.UncommittedEvent) (eventlog.CommitBatch, error) {
	if err := scope.Validate(); err != nil {
		return eventlog.CommitBatch{}, err
	}
	if len(events) == 0 {
		return eventlog.CommitBatch{}, fmt.Errorf("append requires at least one event")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return eventlog.CommitBatch{}, classify("begin append tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO event_log_head (tenant_id, scope_id, next_sequence_number)
VALUES ($1, $2, 0)
ON CONFLICT (tenant_id, scope_id) DO NOTHING`, string(scope.Tenant), string(scope.Scope)); err != nil {
		return eventlog.CommitBatch{}, classify("ensure log head", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
SELECT next_sequence_number
FROM event_log_head
WHERE tenant_id = $1 AND scope_id = $2
FOR UPDATE`, string(scope.Tenant), string(scope.Scope)).Scan(&next); err != nil {
		return eventlog.CommitBatch{}, classify("lock log head", err)
	}

	insertQuery := `
INSERT INTO event_log (tenant_id, scope_id, sequence_number, event_type, event_source, partition_id, occurred_at, content, is_public)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`

	batch := eventlog.CommitBatch{
		Scope:      scope,
		FromOffset: eventlog.SequenceNumber(next),
		Events:     make([]eventlog.CommittedEvent, 0, len(events)),
	}
	for i, event := range events {
		if strings.TrimSpace(event.EventType) == "" {
			return eventlog.CommitBatch{}, fmt.Errorf("event %d: event type is required", i)
		}
		sequence := next + int64(i)
		occurred := event.Occurred
		if occurred.IsZero() {
			occurred = l.clock()
		}
		occurred = occurred.UTC()
		content := event.Content
		if len(content) == 0 {
			content = json.RawMessage("{}")
		}

		if _, err := tx.ExecContext(ctx, insertQuery,
			string(scope.Tenant),
			string(scope.Scope),
			sequence,
			event.EventType,
			event.EventSource,
			string(event.Partition),
			occurred,
			string(content),
			event.Public,
		); err != nil {
			return eventlog.CommitBatch{}, classify(fmt.Sprintf("insert event %d", sequence), err)
		}

		batch.Events = append(batch.Events, eventlog.CommittedEvent{
			Sequence:    eventlog.SequenceNumber(sequence),
			Tenant:      scope.Tenant,
			Scope:       scope.Scope,
			EventType:   event.EventType,
			EventSource: event.EventSource,
			Partition:   event.Partition,
			Occurred:    occurred,
			Content:     content,
			Public:      event.Public,
		})
	}

	newNext := next + int64(len(events))
	if _, err := tx.ExecContext(ctx, `
UPDATE event_log_head
SET next_sequence_number = $3, updated_at = NOW()
WHERE tenant_id = $1 AND scope_id = $2`, string(scope.Tenant), string(scope.Scope), newNext); err != nil {
		return eventlog.CommitBatch{}, classify("advance log head", err)
	}

	if err := tx.Commit(); err != nil {
		return eventlog.CommitBatch{}, classify("commit append tx", err)
	}
	batch.ToOffset = eventlog.SequenceNumber(newNext - 1)
	return batch, nil
}

func (l *Log) NextSequenceNumber(ctx context.Context, scope eventlog.ScopeKey) (eventlog.SequenceNumber, error) {
	var next int64
	err := l.db.QueryRowContext(ctx, `
SELECT next_sequence_number
FROM event_log_head
WHERE tenant_id = $1 AND scope_id = $2`, string(scope.Tenant), string(scope.Scope)).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, classify("read log head", err)
	}
	return eventlog.SequenceNumber(next), nil
}

func (l *Log) FetchRange(ctx context.Context, scope eventlog.ScopeKey, from, toInclusive eventlog.SequenceNumber, maxCount int, eventTypes []string) ([]eventlog.CommittedEvent, error) {
	if maxCount <= 0 {
		maxCount = 50
	}
	if toInclusive < from {
		return []eventlog.CommittedEvent{}, nil
	}

	query, args := buildFetchRangeQuery(scope, from, toInclusive, maxCount, eventTypes)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("fetch event range", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]eventlog.CommittedEvent, 0, maxCount)
	for rows.Next() {
		var (
			sequence  int64
			partition string
			content   []byte
		)
		event := eventlog.CommittedEvent{Tenant: scope.Tenant, Scope: scope.Scope}
		if err := rows.Scan(
			&sequence,
			&event.EventType,
			&event.EventSource,
			&partition,
			&event.Occurred,
			&content,
			&event.Public,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		event.Sequence = eventlog.SequenceNumber(sequence)
		event.Partition = eventlog.PartitionID(partition)
		event.Content = json.RawMessage(content)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate event rows", err)
	}
	return events, nil
}

func buildFetchRangeQuery(scope eventlog.ScopeKey, from, toInclusive eventlog.SequenceNumber, maxCount int, eventTypes []string) (string, []any) {
	var b strings.Builder
	b.WriteString(`
SELECT sequence_number, event_type, event_source, partition_id, occurred_at, content, is_public
FROM event_log
WHERE tenant_id = $1 AND scope_id = $2 AND sequence_number >= $3 AND sequence_number <= $4`)

	args := []any{string(scope.Tenant), string(scope.Scope), clampSequence(from), clampSequence(toInclusive), maxCount}
	if len(eventTypes) > 0 {
		b.WriteString(" AND event_type IN (")
		for i, eventType := range eventTypes {
			if i > 0 {
				b.WriteString(", ")
			}
			args = append(args, eventType)
			b.WriteString("$" + strconv.Itoa(len(args)))
		}
		b.WriteString(")")
	}
	b.WriteString(`
ORDER BY sequence_number ASC
LIMIT $5`)
	return b.String(), args
}

func clampSequence(value eventlog.SequenceNumber) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

var (
	_ eventlog.Reader   = (*Log)(nil)
	_ eventlog.Appender = (*Log)(nil)
)
