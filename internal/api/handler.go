package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerline/ledgerline/internal/auth"
	"github.com/ledgerline/ledgerline/internal/bus"
	"github.com/ledgerline/ledgerline/internal/checkpoint"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/subscription"
	"github.com/ledgerline/ledgerline/internal/subscription/httptarget"
)

type ReadinessCheck func(ctx context.Context) error

type SubscriptionService interface {
	Subscribe(ctx context.Context, req subscription.Request) error
	Cancel(ctx context.Context, id subscription.ID) error
	Snapshot(ctx context.Context, scope eventlog.ScopeKey) (subscription.Snapshot, error)
	Wait(ctx context.Context, scope eventlog.ScopeKey, position eventlog.SequenceNumber) error
}

type CheckpointService interface {
	Get(ctx context.Context, id checkpoint.ProcessorID) (checkpoint.State, error)
	Set(ctx context.Context, id checkpoint.ProcessorID, state checkpoint.State) error
	GetOrCreate(ctx context.Context, id checkpoint.ProcessorID, kind checkpoint.Kind) (checkpoint.State, error)
	AddFailingPartition(ctx context.Context, id checkpoint.ProcessorID, partition eventlog.PartitionID, failing checkpoint.FailingPartition) (checkpoint.State, error)
	SetFailingPartition(ctx context.Context, id checkpoint.ProcessorID, partition eventlog.PartitionID, failing checkpoint.FailingPartition) (checkpoint.State, error)
	RemoveFailingPartition(ctx context.Context, id checkpoint.ProcessorID, partition eventlog.PartitionID) (checkpoint.State, error)
}

// TargetFactory builds the delivery target for a new subscription.
type TargetFactory func(url string, headers map[string]string) (subscription.Target, error)

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Log               eventlog.Appender
	Commits           bus.CommitPublisher
	Subscriptions     SubscriptionService
	Checkpoints       CheckpointService
	Targets           TargetFactory
}

type route struct {
	pattern string
	handle  func(Dependencies, config.Config, http.ResponseWriter, *http.Request)
}

var protectedRoutes = []route{
	{"POST /v1/scopes/{scope}/events", handleAppend},
	{"GET /v1/scopes/{scope}/wait", handleWait},
	{"POST /v1/scopes/{scope}/subscriptions", handleCreateSubscription},
	{"GET /v1/scopes/{scope}/subscriptions", handleListSubscriptions},
	{"DELETE /v1/scopes/{scope}/subscriptions", handleCancelSubscription},
	{"GET /v1/checkpoints/{scope}/{processor}/{stream}", handleGetCheckpoint},
	{"POST /v1/checkpoints/{scope}/{processor}/{stream}", handleInitCheckpoint},
	{"PUT /v1/checkpoints/{scope}/{processor}/{stream}", handlePutCheckpoint},
	{"POST /v1/checkpoints/{scope}/{processor}/{stream}/failing-partitions/{partition}", handleAddFailingPartition},
	{"PUT /v1/checkpoints/{scope}/{processor}/{stream}/failing-partitions/{partition}", handleSetFailingPartition},
	{"DELETE /v1/checkpoints/{scope}/{processor}/{stream}/failing-partitions/{partition}", handleRemoveFailingPartition},
	{"GET /v1/lag", handleLag},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Targets == nil {
		deps.Targets = newHTTPTarget
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	for _, rt := range protectedRoutes {
		protected.HandleFunc(rt.pattern, func(w http.ResponseWriter, r *http.Request) {
			rt.handle(deps, cfg, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, rt := range protectedRoutes {
		mux.Handle(rt.pattern, protectedHandler)
	}

	return observability.Instrument(deps.Logger)(mux)
}

func newHTTPTarget(url string, headers map[string]string) (subscription.Target, error) {
	target, err := httptarget.New(url, nil)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		target.Header = http.Header{}
		for key, value := range headers {
			target.Header.Set(key, value)
		}
	}
	return target, nil
}

// HealthChecker is implemented by stores that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func CheckHealth(name string, checker HealthChecker) ReadinessCheck {
	return func(ctx context.Context) error {
		if checker == nil {
			return errors.New(name + " is not configured")
		}
		if err := checker.HealthCheck(ctx); err != nil {
			return errors.New(name + ": " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeServiceError maps engine errors onto the error envelope.
func writeServiceError(r *http.Request, w http.ResponseWriter, err error, fallbackCode string) {
	ctx := r.Context()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, checkpoint.ErrAlreadyExists), errors.Is(err, subscription.ErrAlreadyExists):
		writeError(ctx, w, http.StatusConflict, "ALREADY_EXISTS", err.Error(), false, nil)
	case errors.Is(err, checkpoint.ErrNotPartitioned):
		writeError(ctx, w, http.StatusConflict, "NOT_PARTITIONED", err.Error(), false, nil)
	case errors.Is(err, checkpoint.ErrShuttingDown), errors.Is(err, subscription.ErrManagerStopped):
		writeError(ctx, w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error(), true, nil)
	case errors.Is(err, subscription.ErrConsentDenied):
		writeError(ctx, w, http.StatusForbidden, "CONSENT_DENIED", err.Error(), false, nil)
	case errors.Is(err, auth.ErrForbidden):
		writeError(ctx, w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
	case errors.Is(err, eventlog.ErrUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "event store is unavailable", true, map[string]any{"details": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", "operation timed out", true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, fallbackCode, "request failed", true, map[string]any{"details": err.Error()})
	}
}

func tenantFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID, nil
		}
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		return "", errors.New("tenant context is required")
	}
	return tenantID, nil
}

// requestScope resolves the caller's tenant and the {scope} path value and
// checks role. It writes the error response itself.
func requestScope(w http.ResponseWriter, r *http.Request, role string) (eventlog.ScopeKey, bool) {
	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return eventlog.ScopeKey{}, false
	}
	if err := auth.Authorize(r.Context(), role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return eventlog.ScopeKey{}, false
	}
	scope := strings.TrimSpace(r.PathValue("scope"))
	if scope == "" {
		scope = strings.TrimSpace(r.URL.Query().Get("scope"))
	}
	if scope == "" {
		scope = string(eventlog.DefaultScope)
	}
	return eventlog.ScopeKey{Tenant: eventlog.TenantID(tenantID), Scope: eventlog.ScopeID(scope)}, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}
