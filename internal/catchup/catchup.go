package catchup

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

const DefaultBatchSize = 50

var ErrEmptyRange = errors.New("catchup: empty range")

type Result struct {
	From   eventlog.SequenceNumber
	To     eventlog.SequenceNumber
	Events []eventlog.CommittedEvent
}

type Reader struct {
	Log eventlog.Reader
}

func NewReader(log eventlog.Reader) *Reader {
	return &Reader{Log: log}
}

// Fetch reads at most maxBatchSize events of [from, toInclusive]. When the
// batch is not full the whole range has been read and To is toInclusive, so
// callers can resume at To+1 either way.
func (r *Reader) Fetch(ctx context.Context, scope eventlog.ScopeKey, from, toInclusive eventlog.SequenceNumber, eventTypes []string, maxBatchSize int) (Result, error) {
	if from > toInclusive {
		return Result{}, fmt.Errorf("%w: [%d,%d]", ErrEmptyRange, from, toInclusive)
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultBatchSize
	}

	events, err := r.Log.FetchRange(ctx, scope, from, toInclusive, maxBatchSize, eventTypes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, &RetryableError{Err: fmt.Errorf("fetch %s [%d,%d]: %w", scope, from, toInclusive, err)}
	}
	if len(events) > maxBatchSize {
		events = events[:maxBatchSize]
	}

	result := Result{From: from, To: toInclusive, Events: events}
	if len(events) == maxBatchSize {
		result.To = events[len(events)-1].Sequence
	}
	return result, nil
}

type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
