package config

// GatewayConfig controls the HTTP API server.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`            // bearer token for HTTP/WS auth (empty = open)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`   // per-client limit on send/pair/logout (0 = disabled)
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"` // drain budget on SIGTERM (default "15s")
}

// WhatsAppConfig configures the bridge connection and session lifecycle.
// BridgeToken is NEVER read from config.json, only from WABRIDGE_WHATSAPP_BRIDGE_TOKEN.
type WhatsAppConfig struct {
	BridgeURL          string   `json:"bridge_url"`
	BridgeToken        string   `json:"-"`
	PairingMethod      string   `json:"pairing_method,omitempty"`       // "qr" (default) or "code"
	ReconnectDelay     Duration `json:"reconnect_delay,omitempty"`      // default "2s"
	LogoutRestartDelay Duration `json:"logout_restart_delay,omitempty"` // default "1s"
	PairingWait        Duration `json:"pairing_wait,omitempty"`         // wait for a session before pairing (default "10s")
	HandshakeTimeout   Duration `json:"handshake_timeout,omitempty"`    // default "10s"
	PairCodeTimeout    Duration `json:"pair_code_timeout,omitempty"`    // bridge answer timeout (default "30s")
	SendRate           float64  `json:"send_rate,omitempty"`            // outbound messages per second (default 5)
	SendBurst          int      `json:"send_burst,omitempty"`           // default 10
}

// TriggersConfig decides which group messages address the bot.
// Hot-reloaded on config file change.
type TriggersConfig struct {
	BotNames        FlexibleStringSlice `json:"bot_names"`
	NumberFallbacks FlexibleStringSlice `json:"number_fallbacks,omitempty"`
	CommandPrefixes FlexibleStringSlice `json:"command_prefixes,omitempty"`
}
