package protocol

// Frame types exchanged with the WhatsApp bridge over WebSocket.
// The bridge (e.g. a Baileys or whatsapp-web.js process) owns the WhatsApp
// protocol and credential storage; the gateway only speaks these JSON frames.
const (
	// bridge → gateway
	FrameQR              = "qr"
	FramePairingRequired = "pairing_required"
	FrameReady           = "ready"
	FrameClosed          = "closed"
	FrameMessage         = "message"
	FramePairCode        = "pair_code"

	// gateway → bridge
	FramePresence        = "presence"
	FramePairCodeRequest = "pair_code_request"
	FrameLogout          = "logout"
)

// CloseReasonLoggedOut is the closed-frame reason for a session that was logged
// out on the phone (or via FrameLogout). Credentials are invalid after it.
const CloseReasonLoggedOut = "logged_out"

// Presence states accepted by FramePresence.
const (
	PresenceComposing = "composing"
	PresencePaused    = "paused"
)

// BridgeFrame is the envelope for every frame in both directions.
// Only the fields relevant to Type are populated.
type BridgeFrame struct {
	Type string `json:"type"`

	// message (both directions)
	To      string `json:"to,omitempty"`
	Chat    string `json:"chat,omitempty"`
	From    string `json:"from,omitempty"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	FromMe  bool   `json:"from_me,omitempty"`
	Image   string `json:"image,omitempty"` // base64 image bytes, inbound only

	// qr / ready / closed
	QR     string `json:"qr,omitempty"`
	User   string `json:"user,omitempty"`
	Reason string `json:"reason,omitempty"`

	// presence
	State string `json:"state,omitempty"`

	// pair_code_request / pair_code
	RequestID string `json:"request_id,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}
