package ledgerctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	TenantID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// request is one resolved API call.
type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "Ledgerline API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	tenantID := fs.String("tenant-id", defaults.TenantID, "Tenant ID header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], defaults.Stdin, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		}
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey, *tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string, stdin io.Reader, stderr io.Writer) (request, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	scope := fs.String("scope", "default", "scope id")

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, fs.Parse(args)
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, fs.Parse(args)
	case "lag":
		if err := fs.Parse(args); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: "/v1/lag", query: url.Values{"scope": {*scope}}}, nil
	case "append":
		if err := fs.Parse(args); err != nil {
			return request{}, err
		}
		if stdin == nil {
			return request{}, fmt.Errorf("append reads the request body from stdin")
		}
		body, err := io.ReadAll(stdin)
		if err != nil {
			return request{}, fmt.Errorf("read stdin: %w", err)
		}
		if !json.Valid(body) {
			return request{}, fmt.Errorf("append body must be JSON")
		}
		return request{method: http.MethodPost, path: scopePath(*scope, "events"), body: body}, nil
	case "wait":
		position := fs.Uint64("position", 0, "sequence number to wait for")
		timeoutMS := fs.Int("timeout-ms", 0, "server-side wait timeout in milliseconds")
		if err := fs.Parse(args); err != nil {
			return request{}, err
		}
		query := url.Values{"position": {strconv.FormatUint(*position, 10)}}
		if *timeoutMS > 0 {
			query.Set("timeout_ms", strconv.Itoa(*timeoutMS))
		}
		return request{method: http.MethodGet, path: scopePath(*scope, "wait"), query: query}, nil
	case "subscriptions":
		producer := fs.String("producer-tenant", "", "list another producer's subscriptions (ops_admin)")
		if err := fs.Parse(args); err != nil {
			return request{}, err
		}
		query := url.Values{}
		if *producer != "" {
			query.Set("producer_tenant", *producer)
		}
		return request{method: http.MethodGet, path: scopePath(*scope, "subscriptions"), query: query}, nil
	case "unsubscribe":
		producer := fs.String("producer-tenant", "", "producer tenant")
		consumerTenant := fs.String("consumer-tenant", "", "consumer tenant")
		consumer := fs.String("consumer", "", "consumer name")
		stream := fs.String("stream", "", "stream name")
		partition := fs.String("partition", "", "partition id")
		if err := fs.Parse(args); err != nil {
			return request{}, err
		}
		if *consumer == "" || *stream == "" {
			return request{}, fmt.Errorf("unsubscribe requires -consumer and -stream")
		}
		query := url.Values{"consumer": {*consumer}, "stream": {*stream}}
		for key, value := range map[string]string{"producer_tenant": *producer, "consumer_tenant": *consumerTenant, "partition": *partition} {
			if value != "" {
				query.Set(key, value)
			}
		}
		return request{method: http.MethodDelete, path: scopePath(*scope, "subscriptions"), query: query}, nil
	case "checkpoint":
		processor := fs.String("processor", "", "processor id")
		stream := fs.String("stream", "", "source stream")
		if err := fs.Parse(args); err != nil {
			return request{}, err
		}
		if *processor == "" {
			return request{}, fmt.Errorf("checkpoint requires -processor")
		}
		path := "/v1/checkpoints/" + url.PathEscape(*scope) + "/" + url.PathEscape(*processor) + "/" + url.PathEscape(*stream)
		return request{method: http.MethodGet, path: path}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func scopePath(scope, resource string) string {
	return "/v1/scopes/" + url.PathEscape(scope) + "/" + resource
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey, tenantID string) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(tenantID) != "" {
		req.Header.Set("X-Tenant-ID", strings.TrimSpace(tenantID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: ledgerctl [flags] <command> [command flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health           GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready            GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  lag              GET /v1/lag?scope=")
	_, _ = fmt.Fprintln(w, "  append           POST /v1/scopes/{scope}/events (body from stdin)")
	_, _ = fmt.Fprintln(w, "  wait             GET /v1/scopes/{scope}/wait")
	_, _ = fmt.Fprintln(w, "  subscriptions    GET /v1/scopes/{scope}/subscriptions")
	_, _ = fmt.Fprintln(w, "  unsubscribe      DELETE /v1/scopes/{scope}/subscriptions")
	_, _ = fmt.Fprintln(w, "  checkpoint       GET /v1/checkpoints/{scope}/{processor}/{stream}")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
