package producer

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.Scope != "default" {
		t.Fatalf("Scope = %q", cfg.Scope)
	}
	if cfg.BatchSize <= 0 || cfg.Interval <= 0 {
		t.Fatalf("BatchSize = %d Interval = %s", cfg.BatchSize, cfg.Interval)
	}
	if cfg.SubscriberURL != "" {
		t.Fatalf("SubscriberURL = %q, want empty", cfg.SubscriberURL)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapLookup(map[string]string{
		"LEDGERLINE_DEMO_API_URL":          "http://demo.local:18080/",
		"LEDGERLINE_DEMO_TENANT_ID":        "tenant-a",
		"LEDGERLINE_DEMO_SCOPE":            "orders",
		"LEDGERLINE_DEMO_PRODUCER_ID":      "seed-a",
		"LEDGERLINE_DEMO_BATCH_SIZE":       "99",
		"LEDGERLINE_DEMO_INTERVAL":         "1500ms",
		"LEDGERLINE_DEMO_HTTP_TIMEOUT":     "30s",
		"LEDGERLINE_DEMO_WAIT_FOR_COMMIT":  "true",
		"LEDGERLINE_DEMO_WAIT_TIMEOUT_MS":  "7000",
		"LEDGERLINE_DEMO_USER_CARDINALITY": "333",
		"LEDGERLINE_DEMO_PUBLIC_RATIO":     "0.5",
		"LEDGERLINE_DEMO_SEED":             "12345",
		"LEDGERLINE_DEMO_API_KEY":          "abc",
		"LEDGERLINE_DEMO_SUBSCRIBER_URL":   "http://sink.local/deliver",
	}))
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://demo.local:18080" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.TenantID != "tenant-a" || cfg.Scope != "orders" || cfg.ProducerID != "seed-a" {
		t.Fatalf("identity = %q/%q/%q", cfg.TenantID, cfg.Scope, cfg.ProducerID)
	}
	if cfg.BatchSize != 99 || cfg.Interval != 1500*time.Millisecond || cfg.HTTPTimeout != 30*time.Second {
		t.Fatalf("batching = %d %s %s", cfg.BatchSize, cfg.Interval, cfg.HTTPTimeout)
	}
	if !cfg.WaitForCommit || cfg.WaitTimeoutMS != 7000 {
		t.Fatalf("wait = %v %d", cfg.WaitForCommit, cfg.WaitTimeoutMS)
	}
	if cfg.UserCardinality != 333 || cfg.PublicRatio != 0.5 || cfg.Seed != 12345 || cfg.APIKey != "abc" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.SubscriberURL != "http://sink.local/deliver" || cfg.SubscriberName != "demo-subscriber" {
		t.Fatalf("subscriber = %q %q", cfg.SubscriberURL, cfg.SubscriberName)
	}
}

func TestLoadConfigFromEnvRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"LEDGERLINE_DEMO_BATCH_SIZE":   "0",
		"LEDGERLINE_DEMO_INTERVAL":     "soon",
		"LEDGERLINE_DEMO_PUBLIC_RATIO": "1.5",
		"LEDGERLINE_DEMO_SCOPE":        " ",
	}
	for key, value := range tests {
		_, err := LoadConfigFromEnv(mapLookup(map[string]string{key: value}))
		if err == nil {
			t.Fatalf("%s=%q: expected error", key, value)
		}
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("%s=%q: error = %v", key, value, err)
		}
	}
}

func TestLoadConfigFromEnvRequiresLookup(t *testing.T) {
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for nil lookup")
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
