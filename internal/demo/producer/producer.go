package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Service struct {
	cfg       Config
	log       *slog.Logger
	http      *http.Client
	generator *Generator
}

type appendRequest struct {
	Events []Event `json:"events"`
}

type appendResponse struct {
	FromOffset uint64 `json:"from_offset"`
	ToOffset   uint64 `json:"to_offset"`
	EventCount int    `json:"event_count"`
}

type subscribeRequest struct {
	Consumer  string `json:"consumer"`
	Stream    string `json:"stream"`
	TargetURL string `json:"target_url"`
}

func NewService(cfg Config, logger *slog.Logger, client *http.Client) (*Service, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if strings.TrimSpace(cfg.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(cfg.Scope) == "" {
		return nil, fmt.Errorf("scope is required")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Service{
		cfg:       cfg,
		log:       logger,
		http:      client,
		generator: NewGenerator(cfg.Seed, cfg.ProducerID, cfg.UserCardinality, cfg.PublicRatio),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	subscribed := s.cfg.SubscriberURL == ""

	for {
		if !subscribed {
			if err := s.ensureSubscription(ctx); err != nil {
				s.log.Error("failed to register demo subscription", slog.Any("error", err))
			} else {
				subscribed = true
			}
		} else {
			if err := s.produceOnce(ctx); err != nil {
				s.log.Error("failed to append demo batch", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) ensureSubscription(ctx context.Context) error {
	req := subscribeRequest{
		Consumer:  s.cfg.SubscriberName,
		Stream:    s.cfg.ProducerID,
		TargetURL: s.cfg.SubscriberURL,
	}
	status, body, err := s.doJSON(ctx, http.MethodPost, s.scopePath("subscriptions"), req, nil)
	if err != nil {
		return fmt.Errorf("create demo subscription: %w", err)
	}
	switch status {
	case http.StatusCreated:
		s.log.Info("registered demo subscription", slog.String("consumer", s.cfg.SubscriberName), slog.String("target_url", s.cfg.SubscriberURL))
		return nil
	case http.StatusConflict:
		s.log.Info("demo subscription already exists", slog.String("consumer", s.cfg.SubscriberName))
		return nil
	default:
		return fmt.Errorf("create demo subscription failed with status %d: %s", status, strings.TrimSpace(string(body)))
	}
}

func (s *Service) produceOnce(ctx context.Context) error {
	request := appendRequest{Events: make([]Event, 0, s.cfg.BatchSize)}
	for range s.cfg.BatchSize {
		request.Events = append(request.Events, s.generator.NextEvent())
	}

	var response appendResponse
	status, body, err := s.doJSON(ctx, http.MethodPost, s.scopePath("events"), request, &response)
	if err != nil {
		return fmt.Errorf("append request failed: %w", err)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("append request status %d: %s", status, strings.TrimSpace(string(body)))
	}

	if s.cfg.WaitForCommit {
		if err := s.waitFor(ctx, response.ToOffset); err != nil {
			return err
		}
	}

	s.log.Info(
		"appended demo batch",
		slog.String("tenant_id", s.cfg.TenantID),
		slog.String("scope_id", s.cfg.Scope),
		slog.Int("event_count", response.EventCount),
		slog.Uint64("from_offset", response.FromOffset),
		slog.Uint64("to_offset", response.ToOffset),
	)
	return nil
}

func (s *Service) waitFor(ctx context.Context, position uint64) error {
	query := url.Values{
		"position":   {strconv.FormatUint(position, 10)},
		"timeout_ms": {strconv.Itoa(s.cfg.WaitTimeoutMS)},
	}
	status, body, err := s.doJSON(ctx, http.MethodGet, s.scopePath("wait")+"?"+query.Encode(), nil, nil)
	if err != nil {
		return fmt.Errorf("wait request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("wait for position %d status %d: %s", position, status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *Service) scopePath(resource string) string {
	return "/v1/scopes/" + url.PathEscape(s.cfg.Scope) + "/" + resource
}

func (s *Service) doJSON(ctx context.Context, method, path string, requestBody any, responseBody any) (int, []byte, error) {
	var payload io.Reader
	if requestBody != nil {
		raw, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIBaseURL+path, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Tenant-ID", s.cfg.TenantID)
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	if responseBody != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, responseBody); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}
