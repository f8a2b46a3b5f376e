package api

import (
	"net/http"

	"github.com/ledgerline/ledgerline/internal/auth"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/observability"
)

func handleLag(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Subscriptions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "LAG_NOT_CONFIGURED", "lag view is not configured", false, nil)
		return
	}
	scope, ok := requestScope(w, r, auth.RoleOpsAdmin)
	if !ok {
		return
	}

	snapshot, err := deps.Subscriptions.Snapshot(r.Context(), scope)
	if err != nil {
		writeServiceError(r, w, err, "LAG_READ_FAILED")
		return
	}

	var maxLag uint64
	lagging := 0
	for _, status := range snapshot.Subscriptions {
		if status.Lag > 0 {
			lagging++
		}
		if status.Lag > maxLag {
			maxLag = status.Lag
		}
	}
	observability.SetSubscriptionLag(scope.String(), int64(maxLag))

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":             string(scope.Tenant),
		"scope_id":              string(scope.Scope),
		"high_watermark":        snapshot.HighWatermark,
		"subscription_count":    len(snapshot.Subscriptions),
		"lagging_subscriptions": lagging,
		"max_subscription_lag":  maxLag,
		"subscriptions":         snapshot.Subscriptions,
	})
}
