package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "ledgerline_schema_migrations"
	// advisoryLockKey serializes runners across replicas sharing a database.
	advisoryLockKey int64 = 0x6c65646765726c
)

// ErrChecksumMismatch marks an applied migration whose script changed after it ran.
var ErrChecksumMismatch = errors.New("migrations: applied script was modified")

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// Status describes one embedded migration against the database. Drifted is
// set when the recorded checksum differs from the embedded script.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

type script struct {
	version  int64
	name     string
	up       string
	down     string
	checksum string
}

type record struct {
	checksum  string
	appliedAt time.Time
}

// Up applies pending migrations in version order, at most steps of them when
// steps is positive. It refuses to run while any applied script has drifted.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	applied := 0
	err := r.locked(ctx, db, func(conn *sql.Conn, scripts []script, records map[int64]record) error {
		for _, s := range scripts {
			if rec, ok := records[s.version]; ok && rec.checksum != "" && rec.checksum != s.checksum {
				return fmt.Errorf("%w: %06d_%s", ErrChecksumMismatch, s.version, s.name)
			}
		}
		for _, s := range scripts {
			if _, ok := records[s.version]; ok {
				continue
			}
			if steps > 0 && applied == steps {
				break
			}
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, s.up); err != nil {
					return fmt.Errorf("apply %06d_%s: %w", s.version, s.name, err)
				}
				_, err := tx.ExecContext(ctx, `INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`, s.version, s.name, s.checksum)
				if err != nil {
					return fmt.Errorf("record %06d_%s: %w", s.version, s.name, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the newest applied migrations, one when steps is not positive.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	rolledBack := 0
	err := r.locked(ctx, db, func(conn *sql.Conn, scripts []script, records map[int64]record) error {
		byVersion := make(map[int64]script, len(scripts))
		for _, s := range scripts {
			byVersion[s.version] = s
		}
		versions := make([]int64, 0, len(records))
		for version := range records {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, version := range versions {
			if rolledBack == steps {
				break
			}
			s, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("applied migration %06d has no embedded script", version)
			}
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, s.down); err != nil {
					return fmt.Errorf("roll back %06d_%s: %w", s.version, s.name, err)
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, s.version); err != nil {
					return fmt.Errorf("unrecord %06d_%s: %w", s.version, s.name, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			rolledBack++
		}
		return nil
	})
	return rolledBack, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	var out []Status
	err := r.locked(ctx, db, func(_ *sql.Conn, scripts []script, records map[int64]record) error {
		out = make([]Status, 0, len(scripts))
		for _, s := range scripts {
			status := Status{Version: s.version, Name: s.name}
			if rec, ok := records[s.version]; ok {
				status.Applied = true
				status.AppliedAt = rec.appliedAt
				status.Drifted = rec.checksum != "" && rec.checksum != s.checksum
			}
			out = append(out, status)
		}
		return nil
	})
	return out, err
}

// locked runs fn on a dedicated connection holding the migration advisory lock.
func (r *Runner) locked(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn, scripts []script, records map[int64]record) error) error {
	scripts, err := loadScripts(r.fsys)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	_, err = conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	records, err := readRecords(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, scripts, records)
}

func readRecords(ctx context.Context, conn *sql.Conn) (map[int64]record, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := map[int64]record{}
	for rows.Next() {
		var (
			version int64
			rec     record
		)
		if err := rows.Scan(&version, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		records[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return records, nil
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// loadScripts pairs NNNNNN_name.up.sql with its .down.sql and orders the
// pairs by version.
func loadScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	pairs := map[int64]*script{}
	for _, entry := range entries {
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version of %s: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		s, ok := pairs[version]
		if !ok {
			s = &script{version: version, name: match[2]}
			pairs[version] = s
		}
		if s.name != match[2] {
			return nil, fmt.Errorf("migration %06d has conflicting names %q and %q", version, s.name, match[2])
		}
		if match[3] == "up" {
			s.up = string(body)
		} else {
			s.down = string(body)
		}
	}

	out := make([]script, 0, len(pairs))
	for _, s := range pairs {
		if strings.TrimSpace(s.up) == "" {
			return nil, fmt.Errorf("migration %06d_%s missing up SQL", s.version, s.name)
		}
		if strings.TrimSpace(s.down) == "" {
			return nil, fmt.Errorf("migration %06d_%s missing down SQL", s.version, s.name)
		}
		sum := sha256.Sum256([]byte(s.up))
		s.checksum = hex.EncodeToString(sum[:])
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b script) int {
		switch {
		case a.version < b.version:
			return -1
		case a.version > b.version:
			return 1
		}
		return 0
	})
	return out, nil
}
