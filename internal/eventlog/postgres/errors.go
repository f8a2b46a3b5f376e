package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

// classify wraps err with op. Failures a caller may retry also carry
// eventlog.ErrUnavailable.
func classify(op string, err error) error {
	if transient(err) {
		return fmt.Errorf("%s: %w: %w", op, eventlog.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			// serialization_failure, deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			// connection exceptions, insufficient resources, operator intervention
			return true
		}
		return false
	}
	// Anything that never reached the server is a transport failure.
	return true
}
