package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline/ledgerline/internal/auth"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/observability"
)

const maxAppendEvents = 1000

type appendRequest struct {
	Events []appendEvent `json:"events"`
}

type appendEvent struct {
	EventType   string          `json:"event_type"`
	EventSource string          `json:"event_source"`
	Partition   string          `json:"partition"`
	Occurred    *time.Time      `json:"occurred"`
	Content     json.RawMessage `json:"content"`
	Public      bool            `json:"public"`
}

type appendResponse struct {
	TenantID   string                  `json:"tenant_id"`
	ScopeID    string                  `json:"scope_id"`
	FromOffset eventlog.SequenceNumber `json:"from_offset"`
	ToOffset   eventlog.SequenceNumber `json:"to_offset"`
	EventCount int                     `json:"event_count"`
}

func handleAppend(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Log == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "APPEND_NOT_CONFIGURED", "event append is not configured", false, nil)
		return
	}
	scope, ok := requestScope(w, r, auth.RoleEventWriter)
	if !ok {
		return
	}

	var request appendRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if len(request.Events) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "EVENTS_REQUIRED", "at least one event is required", false, nil)
		return
	}
	if len(request.Events) > maxAppendEvents {
		writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "TOO_MANY_EVENTS", "too many events in one append", false, map[string]any{"max_events": maxAppendEvents})
		return
	}

	events := make([]eventlog.UncommittedEvent, 0, len(request.Events))
	for i, event := range request.Events {
		if strings.TrimSpace(event.EventType) == "" {
			writeError(r.Context(), w, http.StatusBadRequest, "EVENT_TYPE_REQUIRED", "event_type is required", false, map[string]any{"event_index": i})
			return
		}
		uncommitted := eventlog.UncommittedEvent{
			EventType:   strings.TrimSpace(event.EventType),
			EventSource: event.EventSource,
			Partition:   eventlog.PartitionID(event.Partition),
			Content:     event.Content,
			Public:      event.Public,
		}
		if event.Occurred != nil {
			uncommitted.Occurred = event.Occurred.UTC()
		}
		events = append(events, uncommitted)
	}

	batch, err := deps.Log.Append(r.Context(), scope, events)
	if err != nil {
		writeServiceError(r, w, err, "APPEND_FAILED")
		return
	}
	observability.ObserveAppend(string(scope.Tenant), len(batch.Events))

	// The batch is durable at this point; a lost notification is picked up
	// by the log poller.
	if deps.Commits != nil {
		if err := deps.Commits.PublishCommit(r.Context(), batch); err != nil && deps.Logger != nil {
			deps.Logger.WarnContext(r.Context(), "publish commit failed",
				"tenant_id", string(scope.Tenant),
				"scope_id", string(scope.Scope),
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusCreated, appendResponse{
		TenantID:   string(scope.Tenant),
		ScopeID:    string(scope.Scope),
		FromOffset: batch.FromOffset,
		ToOffset:   batch.ToOffset,
		EventCount: len(batch.Events),
	})
}

func handleWait(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Subscriptions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WAIT_NOT_CONFIGURED", "wait is not configured", false, nil)
		return
	}
	scope, ok := requestScope(w, r, auth.RoleEventReader)
	if !ok {
		return
	}

	query := r.URL.Query()
	position, err := strconv.ParseUint(query.Get("position"), 10, 64)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_POSITION", "position must be a non-negative integer", false, nil)
		return
	}
	timeout := cfg.Wait.DefaultTimeout
	if raw := query.Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TIMEOUT", "timeout_ms must be a positive integer", false, nil)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if cfg.Wait.MaxTimeout > 0 && timeout > cfg.Wait.MaxTimeout {
		timeout = cfg.Wait.MaxTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	started := time.Now()
	err = deps.Subscriptions.Wait(ctx, scope, eventlog.SequenceNumber(position))
	switch {
	case err == nil:
		observability.ObserveWaitLatency(time.Since(started))
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": string(scope.Tenant),
			"scope_id":  string(scope.Scope),
			"position":  position,
			"reached":   true,
		})
	case r.Context().Err() != nil:
		// client went away
	case errors.Is(err, context.DeadlineExceeded):
		observability.IncrementWaitTimeout()
		writeError(r.Context(), w, http.StatusGatewayTimeout, "WAIT_TIMEOUT", "position was not committed before the timeout", true, map[string]any{
			"position":   position,
			"timeout_ms": timeout.Milliseconds(),
		})
	default:
		writeServiceError(r, w, err, "WAIT_FAILED")
	}
}
