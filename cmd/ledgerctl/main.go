package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ledgerline/ledgerline/internal/cli/ledgerctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("LEDGERLINE_CLI_TIMEOUT")), 10*time.Second)
	options := ledgerctl.Options{
		BaseURL:  envOr("LEDGERLINE_API_URL", "http://localhost:8080"),
		APIKey:   strings.TrimSpace(os.Getenv("LEDGERLINE_API_KEY")),
		TenantID: strings.TrimSpace(os.Getenv("LEDGERLINE_TENANT_ID")),
		Timeout:  timeout,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	os.Exit(ledgerctl.Run(context.Background(), os.Args[1:], options))
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid LEDGERLINE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
