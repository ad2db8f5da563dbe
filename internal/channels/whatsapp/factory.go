package whatsapp

import (
	"github.com/nextlevelbuilder/wabridge/internal/config"
)

// FromConfig creates a bridge transport from the whatsapp config section.
// The bridge token comes from WABRIDGE_WHATSAPP_BRIDGE_TOKEN and is never
// read from the config file.
func FromConfig(cfg config.WhatsAppConfig) (*Transport, error) {
	return NewTransport(Options{
		BridgeURL:        cfg.BridgeURL,
		Token:            cfg.BridgeToken,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration(),
		PairCodeTimeout:  cfg.PairCodeTimeout.Duration(),
		SendRate:         cfg.SendRate,
		SendBurst:        cfg.SendBurst,
	})
}
