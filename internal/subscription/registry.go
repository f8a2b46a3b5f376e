package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/ledgerline/internal/catchup"
	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/eventwaiter"
)

// ConsentChecker decides whether a consumer tenant may read a producer
// tenant's public events. It returns ErrConsentDenied to refuse.
type ConsentChecker interface {
	CheckConsent(ctx context.Context, req Request) (string, error)
}

type ConsentFunc func(ctx context.Context, req Request) (string, error)

func (f ConsentFunc) CheckConsent(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StaticConsents grants consent per producer/consumer tenant pair.
type StaticConsents map[eventlog.TenantID]map[eventlog.TenantID]string

// ParseConsents reads "producer:consumer" pairs separated by commas.
func ParseConsents(raw string) (StaticConsents, error) {
	consents := StaticConsents{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		producer, consumer, ok := strings.Cut(part, ":")
		producer = strings.TrimSpace(producer)
		consumer = strings.TrimSpace(consumer)
		if !ok || producer == "" || consumer == "" {
			return nil, fmt.Errorf("invalid consent entry %q", part)
		}
		if consents[eventlog.TenantID(producer)] == nil {
			consents[eventlog.TenantID(producer)] = map[eventlog.TenantID]string{}
		}
		consents[eventlog.TenantID(producer)][eventlog.TenantID(consumer)] = "static:" + producer + ":" + consumer
	}
	return consents, nil
}

func (c StaticConsents) CheckConsent(_ context.Context, req Request) (string, error) {
	if consentID, ok := c[req.ID.ProducerTenant][req.ID.ConsumerTenant]; ok {
		return consentID, nil
	}
	return "", ErrConsentDenied
}

type Dependencies struct {
	Log     eventlog.Reader
	Fetcher Fetcher
	Waiter  *eventwaiter.Registry
	Consent ConsentChecker
	Logger  *slog.Logger
}

// Registry starts one Manager per scope on first use and routes commits to it.
type Registry struct {
	log     eventlog.Reader
	fetcher Fetcher
	waiter  *eventwaiter.Registry
	consent ConsentChecker
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	managers map[eventlog.ScopeKey]*Manager
	closed   bool
}

func NewRegistry(deps Dependencies, cfg Config) *Registry {
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = catchup.NewReader(deps.Log)
	}
	waiter := deps.Waiter
	if waiter == nil {
		waiter = eventwaiter.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:      deps.Log,
		fetcher:  fetcher,
		waiter:   waiter,
		consent:  deps.Consent,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		managers: map[eventlog.ScopeKey]*Manager{},
	}
}

func (r *Registry) Waiter() *eventwaiter.Registry {
	return r.waiter
}

func (r *Registry) Subscribe(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	filter, err := compileFilter(req.Filter, req.ID.Partition)
	if err != nil {
		return err
	}

	var consentID string
	if req.ID.CrossTenant() {
		if r.consent == nil {
			return fmt.Errorf("%w: no consent for tenant %s", ErrConsentDenied, req.ID.ConsumerTenant)
		}
		consentID, err = r.consent.CheckConsent(ctx, req)
		if err != nil {
			if errors.Is(err, ErrConsentDenied) {
				return err
			}
			return fmt.Errorf("check consent: %w", err)
		}
	}

	manager, err := r.manager(req.ID.ScopeKey())
	if err != nil {
		return err
	}
	return manager.Subscribe(ctx, req, filter, consentID)
}

func (r *Registry) Cancel(ctx context.Context, id ID) error {
	manager := r.existing(id.ScopeKey())
	if manager == nil {
		return nil
	}
	return manager.Cancel(ctx, id)
}

// OnCommit routes a committed batch to its scope's manager. Scopes nobody
// follows only advance the waiter.
func (r *Registry) OnCommit(batch eventlog.CommitBatch) {
	if len(batch.Events) == 0 {
		return
	}
	if manager := r.existing(batch.Scope); manager != nil {
		manager.OnCommit(batch)
		return
	}
	r.waiter.Notify(eventwaiter.Key{Scope: batch.Scope}, batch.ToOffset)
}

func (r *Registry) Snapshot(ctx context.Context, scope eventlog.ScopeKey) (Snapshot, error) {
	if manager := r.existing(scope); manager != nil {
		return manager.Snapshot(ctx)
	}
	next, err := r.log.NextSequenceNumber(ctx, scope)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Scope: scope, HighWatermark: next, Subscriptions: []Status{}}, nil
}

// HighWatermark reports the watermark of a running manager. The second
// result is false when the scope has none.
func (r *Registry) HighWatermark(ctx context.Context, scope eventlog.ScopeKey) (eventlog.SequenceNumber, bool, error) {
	manager := r.existing(scope)
	if manager == nil {
		return 0, false, nil
	}
	hw, err := manager.HighWatermark(ctx)
	if err != nil {
		return 0, false, err
	}
	return hw, true, nil
}

// Wait blocks until the event at position has been committed in scope. It
// starts the scope's manager so commit sources keep the waiter current.
func (r *Registry) Wait(ctx context.Context, scope eventlog.ScopeKey, position eventlog.SequenceNumber) error {
	if _, err := r.manager(scope); err != nil {
		return err
	}
	return r.waiter.Wait(ctx, eventwaiter.Key{Scope: scope}, position)
}

func (r *Registry) Scopes() []eventlog.ScopeKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := make([]eventlog.ScopeKey, 0, len(r.managers))
	for scope := range r.managers {
		scopes = append(scopes, scope)
	}
	slices.SortFunc(scopes, func(a, b eventlog.ScopeKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return scopes
}

// Shutdown stops every manager in parallel. New subscriptions are refused
// from the first call on.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	managers := make([]*Manager, 0, len(r.managers))
	for _, manager := range r.managers {
		managers = append(managers, manager)
	}
	r.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, manager := range managers {
		group.Go(func() error {
			if err := manager.Stop(groupCtx); err != nil {
				return fmt.Errorf("stop manager %s: %w", manager.Scope(), err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (r *Registry) manager(scope eventlog.ScopeKey) (*Manager, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrManagerStopped
	}
	if manager, ok := r.managers[scope]; ok {
		return manager, nil
	}
	manager := startManager(managerParams{
		scope:   scope,
		log:     r.log,
		fetcher: r.fetcher,
		waiter:  r.waiter,
		config:  r.cfg,
		logger:  r.logger,
	})
	r.managers[scope] = manager
	return manager, nil
}

func (r *Registry) existing(scope eventlog.ScopeKey) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.managers[scope]
}

func sortStatuses(statuses []Status) {
	slices.SortFunc(statuses, func(a, b Status) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}
