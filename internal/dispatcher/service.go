package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/ledgerline/internal/bus"
	"github.com/ledgerline/ledgerline/internal/eventlog"
)

// Watermarks reports the scopes being followed and how far each has been
// announced.
type Watermarks interface {
	Scopes() []eventlog.ScopeKey
	HighWatermark(ctx context.Context, scope eventlog.ScopeKey) (eventlog.SequenceNumber, bool, error)
}

// Service announces commits made by other writers by polling the log head of
// every followed scope.
type Service struct {
	Log        eventlog.Reader
	Watermarks Watermarks
	Handler    bus.CommitHandler
	Config     Config
	Logger     *slog.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "dispatcher poll cycle failed", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce polls every followed scope once. A failing scope does not stop
// the others.
func (s *Service) ProcessOnce(ctx context.Context) error {
	s.ensureDefaults()
	var errs []error
	for _, scope := range s.Watermarks.Scopes() {
		if err := s.processScope(ctx, scope); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) ensureDefaults() {
	if s.Config.PollInterval <= 0 {
		s.Config.PollInterval = 250 * time.Millisecond
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 500
	}
}

func (s *Service) processScope(ctx context.Context, scope eventlog.ScopeKey) error {
	hw, ok, err := s.Watermarks.HighWatermark(ctx, scope)
	if err != nil {
		return fmt.Errorf("read high watermark: %w", err)
	}
	if !ok {
		return nil
	}
	next, err := s.Log.NextSequenceNumber(ctx, scope)
	if err != nil {
		return fmt.Errorf("read log head: %w", err)
	}

	forwarded := 0
	for hw < next {
		events, err := s.Log.FetchRange(ctx, scope, hw, next-1, s.Config.BatchSize, nil)
		if err != nil {
			return fmt.Errorf("fetch committed events: %w", err)
		}
		if len(events) == 0 {
			return fmt.Errorf("log head is %d but no events found from %d", next, hw)
		}
		batch := eventlog.CommitBatch{
			Scope:      scope,
			FromOffset: events[0].Sequence,
			ToOffset:   events[len(events)-1].Sequence,
			Events:     events,
		}
		s.Handler.OnCommit(batch)
		forwarded += len(events)
		hw = batch.ToOffset + 1
	}

	if forwarded > 0 && s.Logger != nil {
		s.Logger.InfoContext(ctx, "dispatcher forwarded commits",
			slog.String("tenant_id", string(scope.Tenant)),
			slog.String("scope_id", string(scope.Scope)),
			slog.Int("event_count", forwarded),
			slog.Uint64("high_watermark", uint64(hw)),
		)
	}
	return nil
}
