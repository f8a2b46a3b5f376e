package migrations

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var twoMigrations = fstest.MapFS{
	"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
	"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
	"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
	"sql/000001_one.down.sql": {Data: []byte("SELECT -1;")},
	"sql/README.md":           {Data: []byte("ignored")},
}

func TestLoadScriptsSortsPairsAndChecksums(t *testing.T) {
	items, err := loadScripts(twoMigrations)
	if err != nil {
		t.Fatalf("loadScripts() error = %v", err)
	}
	if len(items) != 2 || items[0].version != 1 || items[1].version != 2 {
		t.Fatalf("unexpected migration order: %+v", items)
	}
	if items[0].name != "one" || items[0].down != "SELECT -1;" {
		t.Fatalf("first migration = %+v", items[0])
	}
	if len(items[0].checksum) != 64 || items[0].checksum == items[1].checksum {
		t.Fatalf("checksums = %q, %q", items[0].checksum, items[1].checksum)
	}
}

func TestLoadScriptsErrorsWhenDownMissing(t *testing.T) {
	_, err := loadScripts(fstest.MapFS{"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")}})
	if err == nil || !strings.Contains(err.Error(), "missing down SQL") {
		t.Fatalf("loadScripts() error = %v", err)
	}
}

func TestLoadScriptsRejectsConflictingNames(t *testing.T) {
	_, err := loadScripts(fstest.MapFS{
		"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/000001_uno.down.sql": {Data: []byte("SELECT -1;")},
	})
	if err == nil || !strings.Contains(err.Error(), "conflicting names") {
		t.Fatalf("loadScripts() error = %v", err)
	}
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	db, mock := newMigrationMock(t)
	scripts := mustLoad(t)
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}).
		AddRow(int64(1), scripts[0].checksum, time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT 2;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+migrationTable)).
		WithArgs(int64(2), "two", scripts[1].checksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := (&Runner{fsys: twoMigrations}).Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	assertMigrationMock(t, mock)
}

func TestUpHonorsStepLimit(t *testing.T) {
	db, mock := newMigrationMock(t)
	scripts := mustLoad(t)
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT 1;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+migrationTable)).
		WithArgs(int64(1), "one", scripts[0].checksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := (&Runner{fsys: twoMigrations}).Up(context.Background(), db, 1)
	if err != nil || applied != 1 {
		t.Fatalf("Up() = %d, %v", applied, err)
	}
	assertMigrationMock(t, mock)
}

func TestUpRefusesDriftedMigration(t *testing.T) {
	db, mock := newMigrationMock(t)
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}).
		AddRow(int64(1), "edited-since", time.Now()))
	expectUnlock(mock)

	applied, err := (&Runner{fsys: twoMigrations}).Up(context.Background(), db, 0)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Up() error = %v, want ErrChecksumMismatch", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d", applied)
	}
	assertMigrationMock(t, mock)
}

func TestUpRollsBackFailedScript(t *testing.T) {
	db, mock := newMigrationMock(t)
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT 1;")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectUnlock(mock)

	applied, err := (&Runner{fsys: twoMigrations}).Up(context.Background(), db, 0)
	if err == nil || !strings.Contains(err.Error(), "000001_one") {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d", applied)
	}
	assertMigrationMock(t, mock)
}

func TestDownRollsBackNewestFirst(t *testing.T) {
	db, mock := newMigrationMock(t)
	now := time.Now()
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}).
		AddRow(int64(1), "", now).
		AddRow(int64(2), "", now))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT -2;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM " + migrationTable)).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	rolledBack, err := (&Runner{fsys: twoMigrations}).Down(context.Background(), db, 0)
	if err != nil || rolledBack != 1 {
		t.Fatalf("Down() = %d, %v", rolledBack, err)
	}
	assertMigrationMock(t, mock)
}

func TestDownFailsForUnknownAppliedVersion(t *testing.T) {
	db, mock := newMigrationMock(t)
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}).
		AddRow(int64(9), "", time.Now()))
	expectUnlock(mock)

	if _, err := (&Runner{fsys: twoMigrations}).Down(context.Background(), db, 1); err == nil {
		t.Fatal("expected missing script error")
	}
	assertMigrationMock(t, mock)
}

func TestStatusReportsAppliedAndDrift(t *testing.T) {
	db, mock := newMigrationMock(t)
	appliedAt := time.Date(2026, time.May, 4, 12, 0, 0, 0, time.UTC)
	expectLockedPrelude(mock, sqlmock.NewRows([]string{"version", "checksum", "applied_at"}).
		AddRow(int64(1), "stale", appliedAt))
	expectUnlock(mock)

	statuses, err := (&Runner{fsys: twoMigrations}).Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	first, second := statuses[0], statuses[1]
	if !first.Applied || !first.Drifted || !first.AppliedAt.Equal(appliedAt) || first.Name != "one" {
		t.Fatalf("first status = %+v", first)
	}
	if second.Applied || second.Drifted {
		t.Fatalf("second status = %+v", second)
	}
	assertMigrationMock(t, mock)
}

func newMigrationMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func mustLoad(t *testing.T) []script {
	t.Helper()
	scripts, err := loadScripts(twoMigrations)
	if err != nil {
		t.Fatalf("loadScripts() error = %v", err)
	}
	return scripts
}

func expectLockedPrelude(mock sqlmock.Sqlmock, applied *sqlmock.Rows) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(advisoryLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + migrationTable)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum, applied_at FROM " + migrationTable)).
		WillReturnRows(applied)
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(advisoryLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func assertMigrationMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
