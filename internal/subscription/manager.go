package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/eventwaiter"
	"github.com/ledgerline/ledgerline/internal/observability"
)

// Snapshot describes a scope's subscriptions at one point in time.
type Snapshot struct {
	Scope         eventlog.ScopeKey       `json:"-"`
	HighWatermark eventlog.SequenceNumber `json:"high_watermark"`
	Subscriptions []Status                `json:"subscriptions"`
}

// Manager owns the workers of one (tenant, scope). All of its state is
// touched only by the run goroutine; callers talk to it through messages.
type Manager struct {
	scope   eventlog.ScopeKey
	log     eventlog.Reader
	fetcher Fetcher
	waiter  *eventwaiter.Registry
	cfg     Config
	logger  *slog.Logger

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	workers map[ID]*Worker
	hw      eventlog.SequenceNumber
}

type subscribeRequest struct {
	request   Request
	filter    *predicate
	consentID string
	reply     chan error
}

type cancelRequest struct {
	id    ID
	reply chan *Worker
}

type commitMessage struct {
	batch eventlog.CommitBatch
}

type workerStopped struct {
	worker *Worker
	err    error
}

type snapshotRequest struct {
	reply chan Snapshot
}

type managerParams struct {
	scope   eventlog.ScopeKey
	log     eventlog.Reader
	fetcher Fetcher
	waiter  *eventwaiter.Registry
	config  Config
	logger  *slog.Logger
}

func startManager(p managerParams) *Manager {
	cfg := p.config.withDefaults()
	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		scope:   p.scope,
		log:     p.log,
		fetcher: p.fetcher,
		waiter:  p.waiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("scope", p.scope.String())),
		inbox:   make(chan any, cfg.MailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		workers: map[ID]*Worker{},
	}
	go m.run()
	return m
}

func (m *Manager) Scope() eventlog.ScopeKey {
	return m.scope
}

func (m *Manager) Subscribe(ctx context.Context, req Request, filter *predicate, consentID string) error {
	reply := make(chan error, 1)
	if err := m.post(ctx, subscribeRequest{request: req, filter: filter, consentID: consentID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the subscription and waits for its worker to exit. Cancelling
// an unknown subscription is not an error.
func (m *Manager) Cancel(ctx context.Context, id ID) error {
	reply := make(chan *Worker, 1)
	if err := m.post(ctx, cancelRequest{id: id, reply: reply}); err != nil {
		return err
	}
	var worker *Worker
	select {
	case worker = <-reply:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	if worker == nil {
		return nil
	}
	select {
	case <-worker.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnCommit records a committed batch. It only blocks while the mailbox is full.
func (m *Manager) OnCommit(batch eventlog.CommitBatch) {
	_ = m.post(context.Background(), commitMessage{batch: batch})
}

func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := m.post(ctx, snapshotRequest{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-m.done:
		return Snapshot{}, ErrManagerStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (m *Manager) HighWatermark(ctx context.Context) (eventlog.SequenceNumber, error) {
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snapshot.HighWatermark, nil
}

// Stop cancels every worker and waits for the manager to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) post(ctx context.Context, msg any) error {
	select {
	case <-m.ctx.Done():
		return ErrManagerStopped
	default:
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.ctx.Done():
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.stopWorkers()

	if err := m.initialize(); err != nil {
		return
	}
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

// initialize reads the log head, retrying until it succeeds or the manager stops.
func (m *Manager) initialize() error {
	for attempt := 1; ; attempt++ {
		next, err := m.log.NextSequenceNumber(m.ctx, m.scope)
		if err == nil {
			m.hw = next
			if next > 0 {
				m.waiter.Notify(eventwaiter.Key{Scope: m.scope}, next-1)
			}
			m.logger.Debug("subscription manager started", slog.Uint64("high_watermark", uint64(next)))
			return nil
		}
		if m.ctx.Err() != nil {
			return m.ctx.Err()
		}
		observability.IncrementSubscriptionRetry("head")
		m.logger.Warn("read log head failed", slog.Int("attempt", attempt), slog.Any("error", err))
		timer := time.NewTimer(m.cfg.backoff(attempt))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return m.ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) handle(msg any) {
	switch msg := msg.(type) {
	case subscribeRequest:
		msg.reply <- m.subscribe(msg)
	case cancelRequest:
		worker := m.workers[msg.id]
		if worker != nil {
			delete(m.workers, msg.id)
			worker.stop()
		}
		msg.reply <- worker
	case commitMessage:
		m.commit(msg.batch)
	case workerStopped:
		if m.workers[msg.worker.ID()] == msg.worker {
			delete(m.workers, msg.worker.ID())
		}
	case snapshotRequest:
		msg.reply <- m.snapshot()
	}
}

func (m *Manager) subscribe(msg subscribeRequest) error {
	id := msg.request.ID
	if _, exists := m.workers[id]; exists {
		return ErrAlreadyExists
	}
	m.workers[id] = startWorker(m.ctx, workerParams{
		request:       msg.request,
		filter:        msg.filter,
		highWatermark: m.hw,
		consentID:     msg.consentID,
		fetcher:       m.fetcher,
		config:        m.cfg,
		logger:        m.logger,
		onStop:        m.workerStopped,
	})
	observability.SubscriptionStarted()
	m.logger.Info("subscription started",
		slog.String("subscription", id.String()),
		slog.Uint64("from_offset", uint64(msg.request.FromOffset)),
		slog.Uint64("high_watermark", uint64(m.hw)),
	)
	return nil
}

func (m *Manager) workerStopped(worker *Worker, err error) {
	_ = m.post(context.Background(), workerStopped{worker: worker, err: err})
}

func (m *Manager) commit(batch eventlog.CommitBatch) {
	if batch.Scope != m.scope {
		return
	}
	trimmed, ok := batch.TrimBefore(m.hw)
	if !ok {
		return
	}
	m.hw = trimmed.ToOffset + 1
	for _, worker := range m.workers {
		worker.push(trimmed)
	}
	m.waiter.Notify(eventwaiter.Key{Scope: m.scope}, trimmed.ToOffset)
	m.reportLag()
}

func (m *Manager) snapshot() Snapshot {
	snapshot := Snapshot{Scope: m.scope, HighWatermark: m.hw, Subscriptions: make([]Status, 0, len(m.workers))}
	for _, worker := range m.workers {
		status := worker.Status()
		status.HighWatermark = m.hw
		status.Lag = 0
		if m.hw > status.Cursor {
			status.Lag = uint64(m.hw - status.Cursor)
		}
		snapshot.Subscriptions = append(snapshot.Subscriptions, status)
	}
	sortStatuses(snapshot.Subscriptions)
	return snapshot
}

func (m *Manager) reportLag() {
	var maxLag int64
	for _, worker := range m.workers {
		status := worker.Status()
		if m.hw > status.Cursor {
			if lag := int64(m.hw - status.Cursor); lag > maxLag {
				maxLag = lag
			}
		}
	}
	observability.SetSubscriptionLag(m.scope.String(), maxLag)
}

func (m *Manager) stopWorkers() {
	for _, worker := range m.workers {
		worker.stop()
	}
	for id, worker := range m.workers {
		<-worker.Done()
		delete(m.workers, id)
	}
}
