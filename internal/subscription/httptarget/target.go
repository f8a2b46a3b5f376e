package httptarget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/subscription"
)

const (
	HeaderDeliveryID     = "X-Delivery-ID"
	HeaderSubscriptionID = "X-Subscription-ID"
)

// Target posts batches as JSON to a consumer endpoint.
type Target struct {
	URL    string
	Client *http.Client
	Header http.Header
}

func New(rawURL string, client *http.Client) (*Target, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("target url must be http or https")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("target url host is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Target{URL: parsed.String(), Client: client}, nil
}

type ackResponse struct {
	ContinueFrom *eventlog.SequenceNumber `json:"continue_from"`
}

func (t *Target) Deliver(ctx context.Context, batch subscription.Batch) (subscription.Ack, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return subscription.Ack{}, fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return subscription.Ack{}, fmt.Errorf("build delivery request: %w", err)
	}
	for key, values := range t.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, uuid.NewString())
	req.Header.Set(HeaderSubscriptionID, batch.Subscription.String())

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return subscription.Ack{}, fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return subscription.Ack{}, fmt.Errorf("read ack: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return subscription.Ack{}, fmt.Errorf("%w: %s returned %d", subscription.ErrUnroutable, t.URL, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return subscription.Ack{}, fmt.Errorf("target returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return batch.Ack(), nil
	}
	var ack ackResponse
	if err := json.Unmarshal(payload, &ack); err != nil {
		return subscription.Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	if ack.ContinueFrom == nil {
		return batch.Ack(), nil
	}
	return subscription.Ack{ContinueFrom: *ack.ContinueFrom}, nil
}

var _ subscription.Target = (*Target)(nil)
