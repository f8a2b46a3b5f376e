package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ledgerline/ledgerline/internal/catchup"
	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/observability"
)

type State int32

const (
	StateCatchingUp State = iota
	StateLive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of one worker.
type Status struct {
	ID            ID                      `json:"id"`
	State         State                   `json:"state"`
	Cursor        eventlog.SequenceNumber `json:"cursor"`
	HighWatermark eventlog.SequenceNumber `json:"high_watermark"`
	Lag           uint64                  `json:"lag"`
	ConsentID     string                  `json:"consent_id,omitempty"`
	Error         string                  `json:"error,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
}

type Config struct {
	CatchupBatchSize int
	AckTimeout       time.Duration
	RetryBase        time.Duration
	RetryJitter      time.Duration
	RetryMax         time.Duration
	MailboxSize      int
}

func (c Config) withDefaults() Config {
	if c.CatchupBatchSize <= 0 {
		c.CatchupBatchSize = catchup.DefaultBatchSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	return c
}

// backoff grows exponentially from RetryBase, capped at RetryMax, plus up to
// RetryJitter of random delay.
func (c Config) backoff(attempt int) time.Duration {
	delay := c.RetryBase
	for i := 1; i < attempt && delay < c.RetryMax; i++ {
		delay *= 2
	}
	if delay > c.RetryMax {
		delay = c.RetryMax
	}
	if c.RetryJitter > 0 {
		delay += rand.N(c.RetryJitter)
	}
	return delay
}

// Worker delivers one subscription's events in order. It catches up from the
// log until it reaches the high watermark it was started with, then follows
// the batches its manager pushes.
type Worker struct {
	id         ID
	scope      eventlog.ScopeKey
	filter     *predicate
	eventTypes []string
	target     Target
	fetcher    Fetcher
	cfg        Config
	logger     *slog.Logger
	onStop     func(*Worker, error)

	inbox  *batchQueue
	cancel context.CancelFunc
	done   chan struct{}

	// cursor and hw belong to the run goroutine.
	cursor eventlog.SequenceNumber
	hw     eventlog.SequenceNumber

	mu     sync.Mutex
	status Status
}

type workerParams struct {
	request       Request
	filter        *predicate
	highWatermark eventlog.SequenceNumber
	consentID     string
	fetcher       Fetcher
	config        Config
	logger        *slog.Logger
	onStop        func(*Worker, error)
}

func startWorker(parent context.Context, p workerParams) *Worker {
	ctx, cancel := context.WithCancel(parent)
	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:         p.request.ID,
		scope:      p.request.ID.ScopeKey(),
		filter:     p.filter,
		eventTypes: p.filter.pushdownTypes(),
		target:     p.request.Target,
		fetcher:    p.fetcher,
		cfg:        p.config.withDefaults(),
		logger:     logger.With(slog.String("subscription", p.request.ID.String())),
		onStop:     p.onStop,
		inbox:      newBatchQueue(),
		cancel:     cancel,
		done:       make(chan struct{}),
		cursor:     p.request.FromOffset,
		hw:         p.highWatermark,
		status: Status{
			ID:            p.request.ID,
			State:         StateCatchingUp,
			Cursor:        p.request.FromOffset,
			HighWatermark: p.highWatermark,
			ConsentID:     p.consentID,
			StartedAt:     time.Now().UTC(),
		},
	}
	go w.run(ctx)
	return w
}

func (w *Worker) ID() ID {
	return w.id
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.State
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := w.status
	if status.HighWatermark > status.Cursor {
		status.Lag = uint64(status.HighWatermark - status.Cursor)
	}
	return status
}

// Done is closed once the worker has terminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) stop() {
	w.cancel()
}

// push hands a committed batch to the worker without blocking.
func (w *Worker) push(batch eventlog.CommitBatch) {
	w.inbox.push(batch)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	err := w.catchUp(ctx, w.hw)
	if err == nil {
		w.setState(StateLive)
		w.logger.DebugContext(ctx, "subscription live", slog.Uint64("cursor", uint64(w.cursor)))
		err = w.follow(ctx)
	}
	w.terminate(ctx, err)
}

func (w *Worker) terminate(ctx context.Context, err error) {
	reason := "failed"
	switch {
	case ctx.Err() != nil:
		reason = "cancelled"
	case errors.Is(err, ErrUnroutable):
		reason = "unroutable"
	}

	w.mu.Lock()
	w.status.State = StateTerminated
	if reason != "cancelled" && err != nil {
		w.status.Error = err.Error()
	}
	w.mu.Unlock()
	observability.SubscriptionStopped(reason)

	if reason == "cancelled" {
		w.logger.Info("subscription stopped", slog.Uint64("cursor", uint64(w.cursor)))
		return
	}
	w.logger.Error("subscription terminated", slog.String("reason", reason), slog.Any("error", err))
	if w.onStop != nil {
		w.onStop(w, err)
	}
}

// catchUp reads the log from the cursor until the cursor reaches until.
func (w *Worker) catchUp(ctx context.Context, until eventlog.SequenceNumber) error {
	for w.cursor < until {
		result, err := w.fetch(ctx, w.cursor, until-1)
		if err != nil {
			return err
		}
		if err := w.deliver(ctx, result.From, result.To, result.Events, "catchup"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) follow(ctx context.Context) error {
	for {
		batches, err := w.inbox.take(ctx)
		if err != nil {
			return err
		}
		for _, batch := range batches {
			if err := w.handleLive(ctx, batch); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handleLive(ctx context.Context, batch eventlog.CommitBatch) error {
	if batch.ToOffset+1 > w.hw {
		w.hw = batch.ToOffset + 1
		w.mu.Lock()
		w.status.HighWatermark = w.hw
		w.mu.Unlock()
	}
	if batch.FromOffset > w.cursor {
		if err := w.catchUp(ctx, batch.FromOffset); err != nil {
			return err
		}
	}
	trimmed, ok := batch.TrimBefore(w.cursor)
	if !ok {
		return nil
	}
	if err := w.deliver(ctx, trimmed.FromOffset, trimmed.ToOffset, trimmed.Events, "live"); err != nil {
		return err
	}
	if w.cursor <= batch.ToOffset {
		return w.catchUp(ctx, batch.ToOffset+1)
	}
	return nil
}

func (w *Worker) fetch(ctx context.Context, from, toInclusive eventlog.SequenceNumber) (catchup.Result, error) {
	for attempt := 1; ; attempt++ {
		result, err := w.fetcher.Fetch(ctx, w.scope, from, toInclusive, w.eventTypes, w.cfg.CatchupBatchSize)
		if err == nil {
			return result, nil
		}
		if !catchup.IsRetryable(err) {
			return catchup.Result{}, err
		}
		observability.IncrementSubscriptionRetry("fetch")
		w.logger.Warn("catchup fetch failed", slog.Int("attempt", attempt), slog.Any("error", err))
		if err := w.sleep(ctx, attempt); err != nil {
			return catchup.Result{}, err
		}
	}
}

// deliver sends the matching events of [from, to] and moves the cursor to
// where the target asked to continue. A range with no matching events only
// moves the cursor.
func (w *Worker) deliver(ctx context.Context, from, to eventlog.SequenceNumber, events []eventlog.CommittedEvent, source string) error {
	matched := w.filter.apply(events)
	if len(matched) == 0 {
		w.advance(to + 1)
		return nil
	}
	batch := Batch{Subscription: w.id, FromOffset: from, ToOffset: to, Events: matched}
	started := time.Now()
	for attempt := 1; ; attempt++ {
		next, err := w.deliverOnce(ctx, batch)
		if err == nil {
			observability.ObserveDelivery(source, len(matched), time.Since(started))
			w.advance(next)
			return nil
		}
		if errors.Is(err, ErrUnroutable) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		observability.IncrementSubscriptionRetry("deliver")
		w.logger.Warn("delivery failed",
			slog.Uint64("from_offset", uint64(from)),
			slog.Uint64("to_offset", uint64(to)),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if err := w.sleep(ctx, attempt); err != nil {
			return err
		}
	}
}

func (w *Worker) deliverOnce(ctx context.Context, batch Batch) (eventlog.SequenceNumber, error) {
	ackCtx, cancel := context.WithTimeout(ctx, w.cfg.AckTimeout)
	defer cancel()

	ack, err := w.target.Deliver(ackCtx, batch)
	if err != nil {
		return 0, err
	}
	next := ack.ContinueFrom
	if next > batch.ToOffset+1 {
		next = batch.ToOffset + 1
	}
	if next <= batch.FromOffset {
		return 0, fmt.Errorf("target acknowledged without progress: continue from %d", ack.ContinueFrom)
	}
	return next, nil
}

func (w *Worker) advance(next eventlog.SequenceNumber) {
	w.cursor = next
	w.mu.Lock()
	w.status.Cursor = next
	w.mu.Unlock()
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.status.State = state
	w.mu.Unlock()
}

func (w *Worker) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(w.cfg.backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// batchQueue is an unbounded FIFO so the manager never waits on a slow worker.
type batchQueue struct {
	mu     sync.Mutex
	items  []eventlog.CommitBatch
	signal chan struct{}
}

func newBatchQueue() *batchQueue {
	return &batchQueue{signal: make(chan struct{}, 1)}
}

func (q *batchQueue) push(batch eventlog.CommitBatch) {
	q.mu.Lock()
	q.items = append(q.items, batch)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *batchQueue) take(ctx context.Context) ([]eventlog.CommitBatch, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items := q.items
			q.items = nil
			q.mu.Unlock()
			return items, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Ack acknowledges the whole batch.
func (b Batch) Ack() Ack {
	return Ack{ContinueFrom: b.ToOffset + 1}
}
