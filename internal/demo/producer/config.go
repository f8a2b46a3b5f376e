package producer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	APIBaseURL      string
	APIKey          string
	TenantID        string
	Scope           string
	ProducerID      string
	BatchSize       int
	Interval        time.Duration
	HTTPTimeout     time.Duration
	WaitForCommit   bool
	WaitTimeoutMS   int
	UserCardinality int
	PublicRatio     float64
	Seed            int64
	// SubscriberURL, when set, registers a demo subscription that receives
	// the produced events.
	SubscriberURL  string
	SubscriberName string
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:      "http://localhost:8080",
		TenantID:        "tenant-dev",
		Scope:           "default",
		ProducerID:      "demo-producer",
		BatchSize:       25,
		Interval:        time.Second,
		HTTPTimeout:     10 * time.Second,
		WaitTimeoutMS:   3000,
		UserCardinality: 200,
		PublicRatio:     0.1,
		Seed:            time.Now().UTC().UnixNano(),
		SubscriberName:  "demo-subscriber",
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	steps := []func() error{
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_API_URL", &cfg.APIBaseURL) },
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_API_KEY", &cfg.APIKey) },
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_TENANT_ID", &cfg.TenantID) },
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_SCOPE", &cfg.Scope) },
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_PRODUCER_ID", &cfg.ProducerID) },
		func() error { return applyInt(lookup, "LEDGERLINE_DEMO_BATCH_SIZE", &cfg.BatchSize) },
		func() error { return applyDuration(lookup, "LEDGERLINE_DEMO_INTERVAL", &cfg.Interval) },
		func() error { return applyDuration(lookup, "LEDGERLINE_DEMO_HTTP_TIMEOUT", &cfg.HTTPTimeout) },
		func() error { return applyBool(lookup, "LEDGERLINE_DEMO_WAIT_FOR_COMMIT", &cfg.WaitForCommit) },
		func() error { return applyInt(lookup, "LEDGERLINE_DEMO_WAIT_TIMEOUT_MS", &cfg.WaitTimeoutMS) },
		func() error { return applyInt(lookup, "LEDGERLINE_DEMO_USER_CARDINALITY", &cfg.UserCardinality) },
		func() error { return applyFloat(lookup, "LEDGERLINE_DEMO_PUBLIC_RATIO", &cfg.PublicRatio) },
		func() error { return applyInt64(lookup, "LEDGERLINE_DEMO_SEED", &cfg.Seed) },
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_SUBSCRIBER_URL", &cfg.SubscriberURL) },
		func() error { return applyString(lookup, "LEDGERLINE_DEMO_SUBSCRIBER_NAME", &cfg.SubscriberName) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	switch {
	case cfg.APIBaseURL == "":
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_API_URL is required")
	case cfg.TenantID == "":
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_TENANT_ID is required")
	case cfg.Scope == "":
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_SCOPE is required")
	case cfg.ProducerID == "":
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_PRODUCER_ID is required")
	case cfg.BatchSize <= 0 || cfg.BatchSize > 1000:
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_BATCH_SIZE must be between 1 and 1000")
	case cfg.Interval <= 0:
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_INTERVAL must be > 0")
	case cfg.HTTPTimeout <= 0:
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_HTTP_TIMEOUT must be > 0")
	case cfg.WaitTimeoutMS <= 0:
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_WAIT_TIMEOUT_MS must be > 0")
	case cfg.UserCardinality <= 0:
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_USER_CARDINALITY must be > 0")
	case cfg.PublicRatio < 0 || cfg.PublicRatio > 1:
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_PUBLIC_RATIO must be within [0,1]")
	case cfg.SubscriberURL != "" && cfg.SubscriberName == "":
		return Config{}, fmt.Errorf("LEDGERLINE_DEMO_SUBSCRIBER_NAME is required with a subscriber url")
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
