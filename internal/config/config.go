package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Bot numbers are often written unquoted in config files.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a Go duration string ("2s", "1m30s") in config files.
type Duration string

// Duration parses d. Empty or invalid values yield 0 so callers apply their default.
func (d Duration) Duration() time.Duration {
	if d == "" {
		return 0
	}
	v, err := time.ParseDuration(string(d))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Config is the root configuration for the wabridge gateway.
type Config struct {
	Gateway       GatewayConfig       `json:"gateway"`
	WhatsApp      WhatsAppConfig      `json:"whatsapp"`
	Triggers      TriggersConfig      `json:"triggers"`
	Backend       BackendConfig       `json:"backend"`
	OCR           OCRConfig           `json:"ocr"`
	Confirmations ConfirmationsConfig `json:"confirmations"`
	Messages      MessagesConfig      `json:"messages"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	mu            sync.RWMutex
}

// BackendConfig configures the reasoning webhook.
// APIKey is NEVER read from config.json, only from WABRIDGE_WEBHOOK_API_KEY.
type BackendConfig struct {
	WebhookURL string   `json:"webhook_url"`
	APIKey     string   `json:"-"`
	Timeout    Duration `json:"timeout,omitempty"` // default "60s"
}

// OCRConfig configures the image text extraction proxy.
type OCRConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	URL       string   `json:"url,omitempty"`
	APIKey    string   `json:"-"`                   // from env WABRIDGE_OCR_API_KEY only
	Languages string   `json:"languages,omitempty"` // default "eng+hin"
	Timeout   Duration `json:"timeout,omitempty"`   // default "30s"
}

// ConfirmationsConfig selects where pending yes/no questions live.
type ConfirmationsConfig struct {
	Storage string   `json:"storage,omitempty"` // "memory" (default) or "sqlite"
	Path    string   `json:"path,omitempty"`    // sqlite file (default "~/.wabridge/confirmations.db")
	TTL     Duration `json:"ttl,omitempty"`     // "" or "0s" = never expire
}

// MessagesConfig holds the fixed notices sent to users. Hot-reloaded.
type MessagesConfig struct {
	NoResponse      string `json:"no_response,omitempty"`
	Error           string `json:"error,omitempty"`
	ImageUnreadable string `json:"image_unreadable,omitempty"`
	Busy            string `json:"busy,omitempty"`
	Cancelled       string `json:"cancelled,omitempty"`
	Reprompt        string `json:"reprompt,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "wabridge")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.WhatsApp = src.WhatsApp
	c.Triggers = src.Triggers
	c.Backend = src.Backend
	c.OCR = src.OCR
	c.Confirmations = src.Confirmations
	c.Messages = src.Messages
	c.Telemetry = src.Telemetry
}

// TriggerRules returns a copy of the trigger section.
func (c *Config) TriggerRules() TriggersConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return TriggersConfig{
		BotNames:        append(FlexibleStringSlice(nil), c.Triggers.BotNames...),
		NumberFallbacks: append(FlexibleStringSlice(nil), c.Triggers.NumberFallbacks...),
		CommandPrefixes: append(FlexibleStringSlice(nil), c.Triggers.CommandPrefixes...),
	}
}

// Notices returns a copy of the messages section.
func (c *Config) Notices() MessagesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Messages
}
