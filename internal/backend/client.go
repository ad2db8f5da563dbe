// Package backend talks to the reasoning webhook that answers user messages.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20 // 1 MB cap
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wabridge/internal/backend")

// StatusError is returned when the webhook answers outside 2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client posts payloads to the webhook.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a webhook client. A nil httpClient uses a fresh http.Client.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{url: cfg.URL, apiKey: cfg.APIKey, timeout: timeout, http: httpClient}
}

// Query posts p and returns the parsed response. Transport errors, timeouts
// and non-2xx statuses are errors; a malformed body is not.
func (c *Client) Query(ctx context.Context, p Payload) (Response, error) {
	ctx, span := tracer.Start(ctx, "backend.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.type", p.Type),
		attribute.String("message.language", p.Language),
		attribute.Bool("message.is_group", p.IsGroup),
		attribute.Bool("message.confirmed", p.Confirmed != nil && *p.Confirmed),
	)

	resp, err := c.do(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, p Payload) (Response, error) {
	if c.url == "" {
		return Response{}, fmt.Errorf("webhook url not configured")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Debug("backend: calling webhook", "type", p.Type, "language", p.Language, "is_group", p.IsGroup)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return ParseResponse(raw), nil
}
