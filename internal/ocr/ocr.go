// Package ocr extracts text from images through an HTTP OCR proxy.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// extractEndpoint is appended to the proxy base URL.
	extractEndpoint = "/extract_text"

	defaultTimeout   = 30 * time.Second
	defaultLanguages = "eng+hin"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wabridge/internal/ocr")

// Extractor turns image bytes into text.
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Config configures the proxy client.
type Config struct {
	URL       string
	APIKey    string
	Languages string // tesseract-style, "eng+hin"
	Timeout   time.Duration
}

type extractResponse struct {
	Text string `json:"text"`
}

// Client calls the OCR proxy.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a proxy client. A nil httpClient uses a fresh http.Client.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Languages == "" {
		cfg.Languages = defaultLanguages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// ExtractText uploads image and returns the recognised text, trimmed.
func (c *Client) ExtractText(ctx context.Context, image []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "ocr.extract_text")
	defer span.End()
	span.SetAttributes(attribute.Int("image.bytes", len(image)))

	text, err := c.extract(ctx, image)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("text.length", len(text)))
	return text, nil
}

func (c *Client) extract(ctx context.Context, image []byte) (string, error) {
	if c.cfg.URL == "" {
		return "", fmt.Errorf("ocr: proxy url not configured")
	}
	if len(image) == 0 {
		return "", fmt.Errorf("ocr: empty image")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "image"+extensionFor(image))
	if err != nil {
		return "", fmt.Errorf("ocr: create form file field: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return "", fmt.Errorf("ocr: write image bytes to form: %w", err)
	}
	if err := w.WriteField("languages", c.cfg.Languages); err != nil {
		return "", fmt.Errorf("ocr: write languages field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("ocr: close multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.URL, "/") + extractEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("ocr: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	slog.Debug("ocr: calling proxy", "url", url, "bytes", len(image))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ocr: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result extractResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("ocr: parse response JSON: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// extensionFor sniffs the upload file name extension; the proxy only uses it as a hint.
func extensionFor(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
