package protocol

// ProtocolVersion is the version of the bridge frame protocol spoken by the gateway.
const ProtocolVersion = 1

// Event names pushed to /v1/events subscribers.
const (
	EventSessionState = "session.state"
	EventSessionQR    = "session.qr"
	EventShutdown     = "shutdown"
)

// Session state names (payload.state of EventSessionState).
const (
	StateDisconnected        = "DISCONNECTED"
	StateConnecting          = "CONNECTING"
	StateAwaitingQR          = "AWAITING_QR"
	StateAwaitingPairingCode = "AWAITING_PAIRING_CODE"
	StateConnected           = "CONNECTED"
	StateLoggedOut           = "LOGGED_OUT"
)
