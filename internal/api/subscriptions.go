package api

import (
	"net/http"
	"strings"

	"github.com/ledgerline/ledgerline/internal/auth"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/subscription"
)

type createSubscriptionRequest struct {
	ProducerTenant string              `json:"producer_tenant"`
	ConsumerTenant string              `json:"consumer_tenant"`
	Consumer       string              `json:"consumer"`
	Stream         string              `json:"stream"`
	Partition      string              `json:"partition"`
	FromOffset     uint64              `json:"from_offset"`
	Filter         subscription.Filter `json:"filter"`
	TargetURL      string              `json:"target_url"`
	TargetHeaders  map[string]string   `json:"target_headers"`
}

func handleCreateSubscription(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Subscriptions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SUBSCRIPTIONS_NOT_CONFIGURED", "subscriptions are not configured", false, nil)
		return
	}
	caller, ok := requestScope(w, r, auth.RoleSubscriptionAdmin)
	if !ok {
		return
	}
	var body createSubscriptionRequest
	if !decodeBody(w, r, &body) {
		return
	}

	id := subscriptionID(caller, body.ProducerTenant, body.ConsumerTenant, body.Consumer, body.Stream, body.Partition)
	if !actsFor(r, caller.Tenant, id) {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "caller must be the producer or consumer tenant", false, nil)
		return
	}
	if err := id.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SUBSCRIPTION", err.Error(), false, nil)
		return
	}
	if err := subscription.ValidateFilter(body.Filter); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), false, nil)
		return
	}
	target, err := deps.Targets(body.TargetURL, body.TargetHeaders)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TARGET", err.Error(), false, nil)
		return
	}

	err = deps.Subscriptions.Subscribe(r.Context(), subscription.Request{
		ID:         id,
		FromOffset: eventlog.SequenceNumber(body.FromOffset),
		Filter:     body.Filter,
		Target:     target,
	})
	if err != nil {
		writeServiceError(r, w, err, "SUBSCRIBE_FAILED")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"subscription": id, "status": "started"})
}

func handleListSubscriptions(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Subscriptions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SUBSCRIPTIONS_NOT_CONFIGURED", "subscriptions are not configured", false, nil)
		return
	}
	caller, ok := requestScope(w, r, auth.RoleSubscriptionAdmin)
	if !ok {
		return
	}
	scope := caller
	if producer := strings.TrimSpace(r.URL.Query().Get("producer_tenant")); producer != "" {
		if producer != string(caller.Tenant) && auth.Authorize(r.Context(), auth.RoleOpsAdmin) != nil {
			writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "only the producer tenant may list its subscriptions", false, nil)
			return
		}
		scope.Tenant = eventlog.TenantID(producer)
	}

	snapshot, err := deps.Subscriptions.Snapshot(r.Context(), scope)
	if err != nil {
		writeServiceError(r, w, err, "LIST_SUBSCRIPTIONS_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      string(scope.Tenant),
		"scope_id":       string(scope.Scope),
		"high_watermark": snapshot.HighWatermark,
		"subscriptions":  snapshot.Subscriptions,
	})
}

func handleCancelSubscription(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Subscriptions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SUBSCRIPTIONS_NOT_CONFIGURED", "subscriptions are not configured", false, nil)
		return
	}
	caller, ok := requestScope(w, r, auth.RoleSubscriptionAdmin)
	if !ok {
		return
	}
	query := r.URL.Query()
	id := subscriptionID(caller, query.Get("producer_tenant"), query.Get("consumer_tenant"), query.Get("consumer"), query.Get("stream"), query.Get("partition"))
	if !actsFor(r, caller.Tenant, id) {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "caller must be the producer or consumer tenant", false, nil)
		return
	}
	if err := id.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SUBSCRIPTION", err.Error(), false, nil)
		return
	}
	if err := deps.Subscriptions.Cancel(r.Context(), id); err != nil {
		writeServiceError(r, w, err, "CANCEL_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": id, "status": "cancelled"})
}

// subscriptionID fills missing tenants with the caller's tenant.
func subscriptionID(caller eventlog.ScopeKey, producer, consumerTenant, consumer, stream, partition string) subscription.ID {
	id := subscription.ID{
		ProducerTenant: caller.Tenant,
		Scope:          caller.Scope,
		ConsumerTenant: caller.Tenant,
		Consumer:       strings.TrimSpace(consumer),
		Stream:         strings.TrimSpace(stream),
		Partition:      eventlog.PartitionID(strings.TrimSpace(partition)),
	}
	if producer = strings.TrimSpace(producer); producer != "" {
		id.ProducerTenant = eventlog.TenantID(producer)
	}
	if consumerTenant = strings.TrimSpace(consumerTenant); consumerTenant != "" {
		id.ConsumerTenant = eventlog.TenantID(consumerTenant)
	}
	return id
}

func actsFor(r *http.Request, caller eventlog.TenantID, id subscription.ID) bool {
	if caller == id.ProducerTenant || caller == id.ConsumerTenant {
		return true
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	return ok && identity.HasRole(auth.RoleOpsAdmin)
}
