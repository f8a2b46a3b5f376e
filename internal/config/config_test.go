package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("ledgerline-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.EventStore.MaxOpenConns != 20 {
		t.Fatalf("EventStore.MaxOpenConns = %d", cfg.EventStore.MaxOpenConns)
	}
	if cfg.Checkpoint.Backend != CheckpointBackendPostgres {
		t.Fatalf("Checkpoint.Backend = %q", cfg.Checkpoint.Backend)
	}
	if cfg.Subscription.CatchupBatchSize != 50 {
		t.Fatalf("Subscription.CatchupBatchSize = %d", cfg.Subscription.CatchupBatchSize)
	}
	if cfg.Subscription.AckTimeout != 10*time.Second {
		t.Fatalf("Subscription.AckTimeout = %s", cfg.Subscription.AckTimeout)
	}
	if !cfg.Dispatcher.Enabled {
		t.Fatal("Dispatcher.Enabled should default to true")
	}
	if cfg.NATS.Enabled {
		t.Fatal("NATS.Enabled should default to false")
	}
	if cfg.ObjectStore.Endpoint != "localhost:9000" {
		t.Fatalf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("ledgerline-api", mapLookup(map[string]string{"LEDGERLINE_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"LEDGERLINE_PROFILE":                         "test",
		"LEDGERLINE_SERVICE_NAME":                    "ledgerline-custom",
		"LEDGERLINE_HTTP_ADDR":                       ":9999",
		"LEDGERLINE_HTTP_READ_TIMEOUT":               "2s",
		"LEDGERLINE_HTTP_WRITE_TIMEOUT":              "3s",
		"LEDGERLINE_LOG_LEVEL":                       "error",
		"LEDGERLINE_AUTH_REQUIRED":                   "true",
		"LEDGERLINE_AUTH_STATIC_KEYS":                "k1:t1:event_reader",
		"LEDGERLINE_EVENTSTORE_DSN":                  "postgres://example",
		"LEDGERLINE_EVENTSTORE_MAX_OPEN_CONNS":       "42",
		"LEDGERLINE_EVENTSTORE_MAX_IDLE_CONNS":       "17",
		"LEDGERLINE_CHECKPOINT_BACKEND":              "objectstore",
		"LEDGERLINE_CHECKPOINT_PERSIST_TIMEOUT":      "4s",
		"LEDGERLINE_CHECKPOINT_RETRY_BACKOFF":        "250ms",
		"LEDGERLINE_CHECKPOINT_SHUTDOWN_TIMEOUT":     "1m",
		"LEDGERLINE_OBJECTSTORE_ENDPOINT":            "s3.example.com",
		"LEDGERLINE_OBJECTSTORE_BUCKET":              "ledgerline-prod",
		"LEDGERLINE_OBJECTSTORE_USE_SSL":             "true",
		"LEDGERLINE_OBJECTSTORE_AUTO_CREATE_BUCKET":  "false",
		"LEDGERLINE_SUBSCRIPTION_CATCHUP_BATCH_SIZE": "25",
		"LEDGERLINE_SUBSCRIPTION_ACK_TIMEOUT":        "7s",
		"LEDGERLINE_SUBSCRIPTION_RETRY_BASE":         "1s",
		"LEDGERLINE_SUBSCRIPTION_RETRY_JITTER":       "2s",
		"LEDGERLINE_SUBSCRIPTION_CONSENTS":           "t1:t2",
		"LEDGERLINE_DISPATCHER_ENABLED":              "false",
		"LEDGERLINE_DISPATCHER_POLL_INTERVAL":        "900ms",
		"LEDGERLINE_DISPATCHER_BATCH_SIZE":           "123",
		"LEDGERLINE_NATS_ENABLED":                    "true",
		"LEDGERLINE_NATS_URL":                        "nats://bus:4222",
		"LEDGERLINE_NATS_SUBJECT_PREFIX":             "ll",
		"LEDGERLINE_WAIT_DEFAULT_TIMEOUT":            "1s",
		"LEDGERLINE_WAIT_MAX_TIMEOUT":                "9s",
	})
	cfg, err := Load("ledgerline-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "ledgerline-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second || cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:t1:event_reader" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.EventStore.DSN != "postgres://example" || cfg.EventStore.MaxOpenConns != 42 || cfg.EventStore.MaxIdleConns != 17 {
		t.Fatalf("EventStore = %+v", cfg.EventStore)
	}
	if cfg.Checkpoint.Backend != CheckpointBackendObjectStore {
		t.Fatalf("Checkpoint.Backend = %q", cfg.Checkpoint.Backend)
	}
	if cfg.Checkpoint.PersistTimeout != 4*time.Second || cfg.Checkpoint.RetryBackoff != 250*time.Millisecond || cfg.Checkpoint.ShutdownTimeout != time.Minute {
		t.Fatalf("Checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.ObjectStore.Endpoint != "s3.example.com" || cfg.ObjectStore.Bucket != "ledgerline-prod" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if !cfg.ObjectStore.UseSSL || cfg.ObjectStore.AutoCreateBucket {
		t.Fatalf("ObjectStore flags = %+v", cfg.ObjectStore)
	}
	if cfg.Subscription.CatchupBatchSize != 25 || cfg.Subscription.AckTimeout != 7*time.Second {
		t.Fatalf("Subscription = %+v", cfg.Subscription)
	}
	if cfg.Subscription.Consents != "t1:t2" {
		t.Fatalf("Subscription.Consents = %q", cfg.Subscription.Consents)
	}
	if cfg.Subscription.RetryBase != time.Second || cfg.Subscription.RetryJitter != 2*time.Second {
		t.Fatalf("Subscription retry = %+v", cfg.Subscription)
	}
	if cfg.Dispatcher.Enabled || cfg.Dispatcher.PollInterval != 900*time.Millisecond || cfg.Dispatcher.BatchSize != 123 {
		t.Fatalf("Dispatcher = %+v", cfg.Dispatcher)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://bus:4222" || cfg.NATS.SubjectPrefix != "ll" {
		t.Fatalf("NATS = %+v", cfg.NATS)
	}
	if cfg.Wait.DefaultTimeout != time.Second || cfg.Wait.MaxTimeout != 9*time.Second {
		t.Fatalf("Wait = %+v", cfg.Wait)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"LEDGERLINE_PROFILE": "oops"},
		{"LEDGERLINE_HTTP_READ_TIMEOUT": "NaN"},
		{"LEDGERLINE_EVENTSTORE_MAX_OPEN_CONNS": "oops"},
		{"LEDGERLINE_CHECKPOINT_BACKEND": "sqlite"},
		{"LEDGERLINE_SUBSCRIPTION_CATCHUP_BATCH_SIZE": "0"},
		{"LEDGERLINE_SUBSCRIPTION_ACK_TIMEOUT": "0s"},
		{"LEDGERLINE_NATS_ENABLED": "true", "LEDGERLINE_NATS_URL": ""},
		{"LEDGERLINE_WAIT_DEFAULT_TIMEOUT": "1m", "LEDGERLINE_WAIT_MAX_TIMEOUT": "1s"},
		{"LEDGERLINE_AUTH_REQUIRED": "not-bool"},
		{"LEDGERLINE_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("ledgerline-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
