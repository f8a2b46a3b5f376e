package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/observability"
)

type Repository interface {
	// TryGet reports found=false for an unknown processor.
	TryGet(ctx context.Context, id ProcessorID) (State, bool, error)
	// PersistBatch must be idempotent: writing the same states twice stores the same values.
	PersistBatch(ctx context.Context, group eventlog.ScopeKey, states map[ProcessorID]State) error
}

type Config struct {
	PersistTimeout time.Duration
	LoadTimeout    time.Duration
	RetryBackoff   time.Duration
	MailboxSize    int
}

type Store struct {
	repo   Repository
	config Config
	logger *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu           sync.Mutex
	groups       map[eventlog.ScopeKey]*group
	shuttingDown bool
	closed       bool

	// sends tracks callers between group lookup and enqueue; groups stop only
	// after it reaches zero.
	sends sync.WaitGroup
	// accepted and handled count writes entering and leaving group inboxes.
	accepted atomic.Int64
	handled  atomic.Int64
}

func NewStore(repo Repository, cfg Config, logger *slog.Logger) *Store {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Store{
		repo:    repo,
		config:  cfg,
		logger:  logger,
		baseCtx: baseCtx,
		stop:    stop,
		groups:  map[eventlog.ScopeKey]*group{},
	}
}

func (s *Store) Get(ctx context.Context, id ProcessorID) (State, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	reply := make(chan stateReply, 1)
	if err := s.send(ctx, id.Group(), getRequest{id: id, reply: reply}); err != nil {
		return nil, err
	}
	return awaitState(ctx, reply)
}

// Set replaces the state in memory right away and persists it in the background.
func (s *Store) Set(ctx context.Context, id ProcessorID, state State) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if isNilState(state) {
		return fmt.Errorf("checkpoint state is required")
	}
	reply := make(chan error, 1)
	if err := s.send(ctx, id.Group(), setRequest{id: id, state: state.clone(), reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) GetOrCreate(ctx context.Context, id ProcessorID, kind Kind) (State, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	initial, err := NewState(kind)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, true, func(current State, found bool) (State, bool, error) {
		if found {
			return current, false, nil
		}
		return initial, true, nil
	})
}

func (s *Store) AddFailingPartition(ctx context.Context, id ProcessorID, partition eventlog.PartitionID, failing FailingPartition) (State, error) {
	return s.mutatePartitioned(ctx, id, func(state *PartitionedState) error {
		return state.addFailingPartition(partition, failing)
	})
}

func (s *Store) SetFailingPartition(ctx context.Context, id ProcessorID, partition eventlog.PartitionID, failing FailingPartition) (State, error) {
	return s.mutatePartitioned(ctx, id, func(state *PartitionedState) error {
		return state.setFailingPartition(partition, failing)
	})
}

func (s *Store) RemoveFailingPartition(ctx context.Context, id ProcessorID, partition eventlog.PartitionID) (State, error) {
	return s.mutatePartitioned(ctx, id, func(state *PartitionedState) error {
		return state.removeFailingPartition(partition)
	})
}

func (s *Store) mutatePartitioned(ctx context.Context, id ProcessorID, apply func(*PartitionedState) error) (State, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, false, func(current State, found bool) (State, bool, error) {
		if !found {
			return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		partitioned, ok := current.(*PartitionedState)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrNotPartitioned, id)
		}
		next := partitioned.clone().(*PartitionedState)
		if err := apply(next); err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
}

func (s *Store) mutate(ctx context.Context, id ProcessorID, read bool, fn mutation) (State, error) {
	reply := make(chan stateReply, 1)
	if err := s.send(ctx, id.Group(), mutateRequest{id: id, read: read, apply: fn, reply: reply}); err != nil {
		return nil, err
	}
	return awaitState(ctx, reply)
}

// Shutdown rejects new reads, waits until every accepted write is persisted
// and then stops all groups. Writes arriving meanwhile are accepted and
// flushed too. If ctx ends first the error names the entries that were not
// flushed.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	s.mu.Unlock()

	for {
		handledBefore := s.handled.Load()
		groups := s.snapshotGroups()
		replies := make([]chan struct{}, len(groups))
		for i, g := range groups {
			replies[i] = g.requestDrain()
		}
		for i, g := range groups {
			if err := g.awaitDrained(ctx, replies[i]); err != nil {
				unflushed := s.unflushed()
				s.close()
				return fmt.Errorf("checkpoint shutdown: %w: unflushed entries [%s]", err, strings.Join(unflushed, ", "))
			}
		}

		// Every group reported flushed after handledBefore writes. If no write
		// was enqueued or handled since, nothing is left to persist.
		s.mu.Lock()
		settled := s.accepted.Load() == handledBefore && s.handled.Load() == handledBefore
		if settled {
			s.closed = true
		}
		s.mu.Unlock()
		if settled {
			s.close()
			return nil
		}
	}
}

// close stops every group once in-progress sends have been enqueued. Groups
// reject whatever is still queued when they stop.
func (s *Store) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.sends.Wait()
	s.stop()
	for _, g := range s.snapshotGroups() {
		<-g.done
	}
}

func (s *Store) snapshotGroups() []*group {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	return groups
}

func (s *Store) unflushed() []string {
	out := []string{}
	for _, g := range s.snapshotGroups() {
		reply := make(chan []ProcessorID, 1)
		select {
		case g.inbox <- statusRequest{reply: reply}:
		case <-g.done:
			continue
		case <-time.After(time.Second):
			out = append(out, g.key.String()+"/*")
			continue
		}
		select {
		case ids := <-reply:
			for _, id := range ids {
				out = append(out, id.String())
			}
		case <-g.done:
		case <-time.After(time.Second):
			out = append(out, g.key.String()+"/*")
		}
	}
	slices.Sort(out)
	return out
}

func (s *Store) send(ctx context.Context, key eventlog.ScopeKey, req request) error {
	write := isWrite(req)
	g, err := s.groupFor(key, write)
	if err != nil {
		return err
	}
	defer s.sends.Done()

	select {
	case <-g.done:
		s.abandon(write)
		return ErrShuttingDown
	default:
	}
	select {
	case g.inbox <- req:
		return nil
	case <-g.done:
		s.abandon(write)
		return ErrShuttingDown
	case <-ctx.Done():
		s.abandon(write)
		return ctx.Err()
	}
}

func (s *Store) abandon(write bool) {
	if write {
		s.accepted.Add(-1)
	}
}

// groupFor registers the caller as an in-progress send; the caller must call
// s.sends.Done once the request is enqueued or abandoned.
func (s *Store) groupFor(key eventlog.ScopeKey, write bool) (*group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	s.sends.Add(1)
	if write {
		s.accepted.Add(1)
	}
	if g, ok := s.groups[key]; ok {
		return g, nil
	}
	g := newGroup(s, key, s.shuttingDown)
	s.groups[key] = g
	go g.run()
	return g, nil
}

func isWrite(req request) bool {
	switch req.(type) {
	case setRequest, mutateRequest:
		return true
	}
	return false
}

func awaitState(ctx context.Context, reply <-chan stateReply) (State, error) {
	select {
	case res := <-reply:
		return res.state, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mutation func(current State, found bool) (next State, changed bool, err error)

type request any

type stateReply struct {
	state State
	err   error
}

type getRequest struct {
	id    ProcessorID
	reply chan stateReply
}

type setRequest struct {
	id    ProcessorID
	state State
	reply chan error
}

type mutateRequest struct {
	id    ProcessorID
	read  bool
	apply mutation
	reply chan stateReply
}

type drainRequest struct {
	reply chan struct{}
}

type statusRequest struct {
	reply chan []ProcessorID
}

type loadedMessage struct {
	id    ProcessorID
	state State
	found bool
	err   error
}

type persistedMessage struct {
	err     error
	elapsed time.Duration
}

type retryPersistMessage struct{}

type persistPhase int

const (
	phaseIdle persistPhase = iota
	phasePersisting
)

type group struct {
	store *Store
	key   eventlog.ScopeKey
	inbox chan request
	done  chan struct{}

	states   map[ProcessorID]State
	pending  map[ProcessorID]State
	inflight map[ProcessorID]State
	phase    persistPhase
	loading  map[ProcessorID][]request
	draining bool
	drained  []chan struct{}
}

func newGroup(store *Store, key eventlog.ScopeKey, draining bool) *group {
	return &group{
		store:    store,
		key:      key,
		inbox:    make(chan request, store.config.MailboxSize),
		done:     make(chan struct{}),
		states:   map[ProcessorID]State{},
		pending:  map[ProcessorID]State{},
		loading:  map[ProcessorID][]request{},
		draining: draining,
	}
}

// run serves the inbox until the store stops. Draining groups keep running so
// writes that arrive late still reach the repository.
func (g *group) run() {
	defer close(g.done)
	for {
		select {
		case msg := <-g.inbox:
			g.handle(msg)
			g.notifyDrained()
		case <-g.store.baseCtx.Done():
			g.rejectQueued()
			return
		}
	}
}

// post delivers a message from outside the owner goroutine; it gives up once
// the group has stopped.
func (g *group) post(msg request) {
	select {
	case g.inbox <- msg:
	case <-g.done:
	}
}

// requestDrain switches the group to draining. The returned channel fires
// once the group has nothing left to persist.
func (g *group) requestDrain() chan struct{} {
	reply := make(chan struct{}, 1)
	g.post(drainRequest{reply: reply})
	return reply
}

func (g *group) awaitDrained(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *group) notifyDrained() {
	if !g.draining || len(g.drained) == 0 || !g.flushed() {
		return
	}
	for _, reply := range g.drained {
		reply <- struct{}{}
	}
	g.drained = nil
}

func (g *group) rejectQueued() {
	for _, queued := range g.loading {
		for _, req := range queued {
			g.fail(req, ErrShuttingDown)
		}
	}
	g.loading = map[ProcessorID][]request{}
	for {
		select {
		case msg := <-g.inbox:
			switch m := msg.(type) {
			case getRequest, mutateRequest:
				g.fail(m, ErrShuttingDown)
			case setRequest:
				m.reply <- ErrShuttingDown
			}
		default:
			return
		}
	}
}

func (g *group) flushed() bool {
	return g.phase == phaseIdle && len(g.pending) == 0 && len(g.loading) == 0
}

func (g *group) handle(msg request) {
	switch m := msg.(type) {
	case getRequest:
		g.handleGet(m, true)
	case setRequest:
		g.store.handled.Add(1)
		g.handleSet(m)
	case mutateRequest:
		g.store.handled.Add(1)
		g.handleMutate(m, true)
	case drainRequest:
		g.draining = true
		g.drained = append(g.drained, m.reply)
	case statusRequest:
		m.reply <- g.unflushedIDs()
	case loadedMessage:
		g.handleLoaded(m)
	case persistedMessage:
		g.handlePersisted(m)
	case retryPersistMessage:
		g.launchPersist()
	}
}

func (g *group) handleGet(req getRequest, allowLoad bool) {
	if g.draining && allowLoad {
		req.reply <- stateReply{err: ErrShuttingDown}
		return
	}
	if state, ok := g.states[req.id]; ok {
		req.reply <- stateReply{state: state.clone()}
		return
	}
	if !allowLoad {
		req.reply <- stateReply{err: fmt.Errorf("%w: %s", ErrNotFound, req.id)}
		return
	}
	g.load(req.id, req)
}

func (g *group) handleSet(req setRequest) {
	g.states[req.id] = req.state
	g.pending[req.id] = req.state
	observability.SetCheckpointPendingEntries(g.key.String(), len(g.pending))
	req.reply <- nil
	g.startPersist()
}

func (g *group) handleMutate(req mutateRequest, allowLoad bool) {
	if g.draining && req.read && allowLoad {
		req.reply <- stateReply{err: ErrShuttingDown}
		return
	}
	current, found := g.states[req.id]
	if !found && allowLoad {
		g.load(req.id, req)
		return
	}
	next, changed, err := req.apply(current, found)
	if err != nil {
		req.reply <- stateReply{err: err}
		return
	}
	if changed {
		g.states[req.id] = next
		g.pending[req.id] = next
		observability.SetCheckpointPendingEntries(g.key.String(), len(g.pending))
		g.startPersist()
	}
	req.reply <- stateReply{state: next.clone()}
}

// load queues req until the repository answers for id; the group keeps
// serving other messages meanwhile.
func (g *group) load(id ProcessorID, req request) {
	queued, inProgress := g.loading[id]
	g.loading[id] = append(queued, req)
	if inProgress {
		return
	}
	repo := g.store.repo
	timeout := g.store.config.LoadTimeout
	baseCtx := g.store.baseCtx
	go func() {
		ctx, cancel := context.WithTimeout(baseCtx, timeout)
		defer cancel()
		state, found, err := repo.TryGet(ctx, id)
		g.post(loadedMessage{id: id, state: state, found: found, err: err})
	}()
}

func (g *group) handleLoaded(msg loadedMessage) {
	queued := g.loading[msg.id]
	delete(g.loading, msg.id)

	if msg.err != nil {
		if g.store.logger != nil {
			g.store.logger.Error("checkpoint load failed",
				slog.String("processor", msg.id.String()),
				slog.Any("error", msg.err),
			)
		}
		for _, req := range queued {
			g.fail(req, fmt.Errorf("load checkpoint %s: %w", msg.id, msg.err))
		}
		return
	}
	if _, cached := g.states[msg.id]; !cached && msg.found && msg.state != nil {
		g.states[msg.id] = msg.state
	}
	for _, req := range queued {
		switch r := req.(type) {
		case getRequest:
			g.handleGet(r, false)
		case mutateRequest:
			g.handleMutate(r, false)
		}
	}
}

func (g *group) fail(req request, err error) {
	switch r := req.(type) {
	case getRequest:
		r.reply <- stateReply{err: err}
	case mutateRequest:
		r.reply <- stateReply{err: err}
	}
}

func (g *group) startPersist() {
	if g.phase != phaseIdle || len(g.pending) == 0 {
		return
	}
	g.phase = phasePersisting
	g.inflight = map[ProcessorID]State{}
	g.launchPersist()
}

// launchPersist moves the pending buffer into the in-flight set and writes it.
// Entries written after a failed attempt replace the failed ones.
func (g *group) launchPersist() {
	for id, state := range g.pending {
		g.inflight[id] = state
	}
	g.pending = map[ProcessorID]State{}
	observability.SetCheckpointPendingEntries(g.key.String(), 0)

	batch := g.inflight
	repo := g.store.repo
	timeout := g.store.config.PersistTimeout
	baseCtx := g.store.baseCtx
	key := g.key
	go func() {
		ctx, cancel := context.WithTimeout(baseCtx, timeout)
		defer cancel()
		started := time.Now()
		err := repo.PersistBatch(ctx, key, batch)
		g.post(persistedMessage{err: err, elapsed: time.Since(started)})
	}()
}

func (g *group) handlePersisted(msg persistedMessage) {
	observability.ObserveCheckpointPersist(len(g.inflight), msg.elapsed, msg.err)
	if msg.err != nil {
		if g.store.logger != nil {
			g.store.logger.Warn("checkpoint persist failed, retrying",
				slog.String("group", g.key.String()),
				slog.Int("entries", len(g.inflight)),
				slog.Any("error", msg.err),
			)
		}
		time.AfterFunc(g.store.config.RetryBackoff, func() {
			g.post(retryPersistMessage{})
		})
		return
	}

	g.inflight = nil
	g.phase = phaseIdle
	g.startPersist()
}

func (g *group) unflushedIDs() []ProcessorID {
	ids := make([]ProcessorID, 0, len(g.pending)+len(g.inflight))
	for id := range g.inflight {
		ids = append(ids, id)
	}
	for id := range g.pending {
		if _, ok := g.inflight[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}
