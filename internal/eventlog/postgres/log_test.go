package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

var testScope = eventlog.ScopeKey{Tenant: "tenant-1", Scope: eventlog.DefaultScope}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestAppendAssignsContiguousSequenceNumbers(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)
	occurred := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log_head (tenant_id, scope_id, next_sequence_number)`)).
		WithArgs("tenant-1", "default").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("tenant-1", "default").
		WillReturnRows(sqlmock.NewRows([]string{"next_sequence_number"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log (tenant_id`)).
		WithArgs("tenant-1", "default", int64(7), "order-placed", "order-1", "", occurred, `{"a":1}`, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log (tenant_id`)).
		WithArgs("tenant-1", "default", int64(8), "order-shipped", "order-1", "p1", occurred, `{}`, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE event_log_head`)).
		WithArgs("tenant-1", "default", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch, err := log.Append(context.Background(), testScope, []eventlog.UncommittedEvent{
		{EventType: "order-placed", EventSource: "order-1", Occurred: occurred, Content: []byte(`{"a":1}`)},
		{EventType: "order-shipped", EventSource: "order-1", Partition: "p1", Occurred: occurred, Public: true},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if batch.FromOffset != 7 || batch.ToOffset != 8 {
		t.Fatalf("batch offsets = [%d,%d]", batch.FromOffset, batch.ToOffset)
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("batch.Validate() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendRejectsMissingEventType(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log_head`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"next_sequence_number"}).AddRow(int64(0)))
	mock.ExpectRollback()

	if _, err := log.Append(context.Background(), testScope, []eventlog.UncommittedEvent{{EventType: " "}}); err == nil {
		t.Fatal("expected missing event type error")
	}
	assertSQLMock(t, mock)
}

func TestNextSequenceNumberDefaultsToLogStart(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT next_sequence_number
FROM event_log_head
WHERE tenant_id = $1 AND scope_id = $2`)).
		WithArgs("tenant-1", "default").
		WillReturnError(sql.ErrNoRows)

	next, err := log.NextSequenceNumber(context.Background(), testScope)
	if err != nil {
		t.Fatalf("NextSequenceNumber() error = %v", err)
	}
	if next != 0 {
		t.Fatalf("next = %d", next)
	}
	assertSQLMock(t, mock)
}

func TestNextSequenceNumberMarksFailuresUnavailable(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log_head`)).
		WillReturnError(errors.New("connection reset"))

	_, err := log.NextSequenceNumber(context.Background(), testScope)
	if !errors.Is(err, eventlog.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	assertSQLMock(t, mock)
}

func TestFetchRangeAppliesEventTypeFilter(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)
	occurred := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`sequence_number >= $3 AND sequence_number <= $4 AND event_type IN ($6, $7)
ORDER BY sequence_number ASC
LIMIT $5`)).
		WithArgs("tenant-1", "default", int64(10), int64(19), 50, "a", "b").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "event_type", "event_source", "partition_id", "occurred_at", "content", "is_public"}).
			AddRow(int64(11), "a", "src", "", occurred, []byte(`{"n":1}`), false).
			AddRow(int64(14), "b", "src", "p2", occurred, []byte(`{"n":2}`), true))

	events, err := log.FetchRange(context.Background(), testScope, 10, 19, 50, []string{"a", "b"})
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d", len(events))
	}
	if events[0].Sequence != 11 || events[1].Sequence != 14 {
		t.Fatalf("sequences = %d,%d", events[0].Sequence, events[1].Sequence)
	}
	if events[1].Partition != "p2" || !events[1].Public {
		t.Fatalf("unexpected event = %+v", events[1])
	}
	if events[0].Tenant != "tenant-1" || events[0].Scope != eventlog.DefaultScope {
		t.Fatalf("scope not stamped on event: %+v", events[0])
	}
	assertSQLMock(t, mock)
}

func TestFetchRangeWithoutFilterOrRows(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)

	mock.ExpectQuery(regexp.QuoteMeta(`sequence_number <= $4
ORDER BY sequence_number ASC`)).
		WithArgs("tenant-1", "default", int64(0), int64(4), 5).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "event_type", "event_source", "partition_id", "occurred_at", "content", "is_public"}))

	events, err := log.FetchRange(context.Background(), testScope, 0, 4, 5, nil)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("len(events) = %d", len(events))
	}
	assertSQLMock(t, mock)
}

func TestFetchRangeEmptyRangeSkipsQuery(t *testing.T) {
	db, mock := newSQLMock(t)
	log := NewLog(db)

	events, err := log.FetchRange(context.Background(), testScope, 9, 3, 5, nil)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("len(events) = %d", len(events))
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestAppendClassifiesPostgresErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, retryable: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, retryable: true},
		{name: "invalid json", err: &pgconn.PgError{Code: "22P02"}, retryable: false},
		{name: "transport", err: errors.New("broken pipe"), retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newSQLMock(t)
			log := NewLog(db)

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log_head`)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
				WillReturnRows(sqlmock.NewRows([]string{"next_sequence_number"}).AddRow(int64(0)))
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log (tenant_id`)).
				WillReturnError(tc.err)
			mock.ExpectRollback()

			_, err := log.Append(context.Background(), testScope, []eventlog.UncommittedEvent{{EventType: "a"}})
			if err == nil {
				t.Fatal("expected append error")
			}
			if got := errors.Is(err, eventlog.ErrUnavailable); got != tc.retryable {
				t.Fatalf("errors.Is(ErrUnavailable) = %v, want %v (err = %v)", got, tc.retryable, err)
			}
		})
	}
}

func TestCanceledContextIsNotUnavailable(t *testing.T) {
	if transient(context.Canceled) {
		t.Fatal("context.Canceled should not be retried")
	}
}
