package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_events_appended_total",
			Help: "Total number of events appended to the log.",
		},
		[]string{"tenant_id"},
	)
	subscriptionDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_subscription_deliveries_total",
			Help: "Delivered subscription batches by source (catchup or live).",
		},
		[]string{"source"},
	)
	subscriptionDeliveredEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_subscription_delivered_events_total",
			Help: "Total number of events delivered to subscription targets.",
		},
	)
	subscriptionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_subscription_retries_total",
			Help: "Retried catchup fetches and deliveries.",
		},
		[]string{"operation"},
	)
	subscriptionTerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_subscription_terminations_total",
			Help: "Subscription workers that stopped, by reason.",
		},
		[]string{"reason"},
	)
	subscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerline_subscriptions_active",
			Help: "Current number of running subscription workers.",
		},
	)
	subscriptionDeliveryLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerline_subscription_delivery_latency_ms",
			Help:    "Time until a target acknowledged a batch, in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)
	subscriptionLagEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerline_subscription_lag_events",
			Help: "Largest subscription lag (high watermark minus cursor) per scope.",
		},
		[]string{"scope"},
	)
	checkpointPersistsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_checkpoint_persists_total",
			Help: "Checkpoint persist attempts by result.",
		},
		[]string{"result"},
	)
	checkpointPersistedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_checkpoint_persisted_entries_total",
			Help: "Total number of processor states written to the repository.",
		},
	)
	checkpointPersistLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerline_checkpoint_persist_latency_ms",
			Help:    "Checkpoint repository persist latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)
	checkpointPendingEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerline_checkpoint_pending_entries",
			Help: "Processor states written in memory but not yet handed to the repository.",
		},
		[]string{"group"},
	)
	waitTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_wait_timeout_total",
			Help: "Total number of position waits that timed out.",
		},
	)
	waitLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerline_wait_latency_ms",
			Help:    "Observed wait latency for position barriers in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		eventsAppendedTotal,
		subscriptionDeliveriesTotal,
		subscriptionDeliveredEventsTotal,
		subscriptionRetriesTotal,
		subscriptionTerminationsTotal,
		subscriptionsActive,
		subscriptionDeliveryLatencyMs,
		subscriptionLagEvents,
		checkpointPersistsTotal,
		checkpointPersistedEntriesTotal,
		checkpointPersistLatencyMs,
		checkpointPendingEntries,
		waitTimeoutsTotal,
		waitLatencyMs,
	)
}

func ObserveAppend(tenantID string, events int) {
	if events > 0 {
		eventsAppendedTotal.WithLabelValues(tenantID).Add(float64(events))
	}
}

func ObserveDelivery(source string, events int, elapsed time.Duration) {
	subscriptionDeliveriesTotal.WithLabelValues(source).Inc()
	if events > 0 {
		subscriptionDeliveredEventsTotal.Add(float64(events))
	}
	subscriptionDeliveryLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementSubscriptionRetry(operation string) {
	subscriptionRetriesTotal.WithLabelValues(operation).Inc()
}

func SubscriptionStarted() {
	subscriptionsActive.Inc()
}

func SubscriptionStopped(reason string) {
	subscriptionsActive.Dec()
	subscriptionTerminationsTotal.WithLabelValues(reason).Inc()
}

func SetSubscriptionLag(scope string, lag int64) {
	if lag < 0 {
		lag = 0
	}
	subscriptionLagEvents.WithLabelValues(scope).Set(float64(lag))
}

func ObserveCheckpointPersist(entries int, elapsed time.Duration, err error) {
	checkpointPersistLatencyMs.Observe(float64(elapsed.Milliseconds()))
	if err != nil {
		checkpointPersistsTotal.WithLabelValues("error").Inc()
		return
	}
	checkpointPersistsTotal.WithLabelValues("ok").Inc()
	if entries > 0 {
		checkpointPersistedEntriesTotal.Add(float64(entries))
	}
}

func SetCheckpointPendingEntries(group string, entries int) {
	checkpointPendingEntries.WithLabelValues(group).Set(float64(entries))
}

func ObserveWaitLatency(elapsed time.Duration) {
	waitLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementWaitTimeout() {
	waitTimeoutsTotal.Inc()
}
