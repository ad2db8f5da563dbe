package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default notice texts.
const (
	DefaultNoResponse      = "🤖 No response generated."
	DefaultError           = "⚠️ Something went wrong."
	DefaultImageUnreadable = "⚠️ Could not read the image."
	DefaultBusy            = "⏳ Please wait..."
	DefaultCancelled       = "❌ Okay, cancelled."
	DefaultReprompt        = "Please reply *yes* or *no*."
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			RateLimitRPM:    30,
			ShutdownTimeout: "15s",
		},
		WhatsApp: WhatsAppConfig{
			BridgeURL:          "ws://localhost:3001",
			PairingMethod:      "qr",
			ReconnectDelay:     "2s",
			LogoutRestartDelay: "1s",
			PairingWait:        "10s",
			HandshakeTimeout:   "10s",
			PairCodeTimeout:    "30s",
			SendRate:           5,
			SendBurst:          10,
		},
		Triggers: TriggersConfig{
			CommandPrefixes: FlexibleStringSlice{"/bot", "!bot"},
		},
		Backend: BackendConfig{
			Timeout: "60s",
		},
		OCR: OCRConfig{
			Languages: "eng+hin",
			Timeout:   "30s",
		},
		Confirmations: ConfirmationsConfig{
			Storage: "memory",
			Path:    "~/.wabridge/confirmations.db",
		},
		Messages: MessagesConfig{
			NoResponse:      DefaultNoResponse,
			Error:           DefaultError,
			ImageUnreadable: DefaultImageUnreadable,
			Busy:            DefaultBusy,
			Cancelled:       DefaultCancelled,
			Reprompt:        DefaultReprompt,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "wabridge",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.WhatsApp.PairingMethod {
	case "", "qr", "code":
	default:
		return fmt.Errorf("whatsapp.pairing_method must be \"qr\" or \"code\", got %q", c.WhatsApp.PairingMethod)
	}
	switch c.Confirmations.Storage {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("confirmations.storage must be \"memory\" or \"sqlite\", got %q", c.Confirmations.Storage)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be \"grpc\" or \"http\", got %q", c.Telemetry.Protocol)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envList := func(key string, dst *FlexibleStringSlice) {
		if v := os.Getenv(key); v != "" {
			var out FlexibleStringSlice
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	// Gateway
	envStr("WABRIDGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("WABRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("WABRIDGE_GATEWAY_TOKEN", &c.Gateway.Token)

	// WhatsApp bridge
	envStr("WABRIDGE_WHATSAPP_BRIDGE_URL", &c.WhatsApp.BridgeURL)
	envStr("WABRIDGE_WHATSAPP_BRIDGE_TOKEN", &c.WhatsApp.BridgeToken)
	envStr("WABRIDGE_PAIRING_METHOD", &c.WhatsApp.PairingMethod)

	// Triggers (comma-separated)
	envList("WABRIDGE_BOT_NAMES", &c.Triggers.BotNames)
	envList("WABRIDGE_BOT_NUMBERS", &c.Triggers.NumberFallbacks)
	envList("WABRIDGE_BOT_COMMANDS", &c.Triggers.CommandPrefixes)

	// Backend webhook
	envStr("WABRIDGE_WEBHOOK_URL", &c.Backend.WebhookURL)
	envStr("WABRIDGE_WEBHOOK_API_KEY", &c.Backend.APIKey)

	// OCR
	envStr("WABRIDGE_OCR_URL", &c.OCR.URL)
	envStr("WABRIDGE_OCR_API_KEY", &c.OCR.APIKey)
	if c.OCR.URL != "" && os.Getenv("WABRIDGE_OCR_URL") != "" {
		c.OCR.Enabled = true
	}

	// Confirmations
	envStr("WABRIDGE_CONFIRMATIONS_STORAGE", &c.Confirmations.Storage)
	envStr("WABRIDGE_CONFIRMATIONS_PATH", &c.Confirmations.Path)

	// Telemetry
	envStr("WABRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WABRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WABRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("WABRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WABRIDGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by GET /config to avoid exposing secrets to API clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip; json:"-" secrets are copied by hand.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	cp.WhatsApp.BridgeToken = c.WhatsApp.BridgeToken
	cp.Backend.APIKey = c.Backend.APIKey
	cp.OCR.APIKey = c.OCR.APIKey

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.WhatsApp.BridgeToken)
	maskNonEmpty(&cp.Backend.APIKey)
	maskNonEmpty(&cp.OCR.APIKey)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
