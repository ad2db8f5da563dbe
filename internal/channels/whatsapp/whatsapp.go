// Package whatsapp connects to a WhatsApp bridge over WebSocket.
// The bridge (e.g. a Baileys or whatsapp-web.js process) handles the actual
// WhatsApp protocol and credential storage; this package only exchanges
// protocol.BridgeFrame JSON messages with it.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/session"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPairCodeTimeout  = 30 * time.Second
	defaultSendRate         = 5 // messages per second
	defaultSendBurst        = 10
	writeTimeout            = 10 * time.Second

	// reasonConnectionLost is reported when the socket drops without a closed frame.
	reasonConnectionLost = "connection_lost"
)

var errSessionClosed = errors.New("whatsapp bridge session closed")

// Options configures a Transport.
type Options struct {
	BridgeURL        string
	Token            string // sent as a bearer token on the upgrade request
	HandshakeTimeout time.Duration
	PairCodeTimeout  time.Duration
	SendRate         float64 // outbound messages per second
	SendBurst        int
}

// Transport dials the bridge. Each Connect opens a new WebSocket.
type Transport struct {
	opts Options
}

// NewTransport creates a bridge transport.
func NewTransport(opts Options) (*Transport, error) {
	if opts.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PairCodeTimeout <= 0 {
		opts.PairCodeTimeout = defaultPairCodeTimeout
	}
	if opts.SendRate <= 0 {
		opts.SendRate = defaultSendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = defaultSendBurst
	}
	return &Transport{opts: opts}, nil
}

// Connect dials the bridge and starts reading frames into sink.
func (t *Transport) Connect(ctx context.Context, sink session.Sink) (session.Session, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = t.opts.HandshakeTimeout

	var header http.Header
	if t.opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + t.opts.Token}}
	}

	conn, _, err := dialer.DialContext(ctx, t.opts.BridgeURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", t.opts.BridgeURL, err)
	}
	slog.Info("whatsapp bridge connected", "url", t.opts.BridgeURL)

	s := &bridgeSession{
		conn:            conn,
		limiter:         rate.NewLimiter(rate.Limit(t.opts.SendRate), t.opts.SendBurst),
		pairCodeTimeout: t.opts.PairCodeTimeout,
		pending:         make(map[string]chan protocol.BridgeFrame),
		done:            make(chan struct{}),
	}
	go s.listenLoop(sink)
	return s, nil
}

// bridgeSession is one WebSocket connection to the bridge.
type bridgeSession struct {
	conn            *websocket.Conn
	limiter         *rate.Limiter
	pairCodeTimeout time.Duration

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	pending map[string]chan protocol.BridgeFrame // pair_code request_id → waiter

	closeOnce sync.Once
	done      chan struct{}
}

// SendText delivers a text message, paced by the send limiter.
func (s *bridgeSession) SendText(ctx context.Context, chatID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return s.write(protocol.BridgeFrame{Type: protocol.FrameMessage, To: chatID, Content: text})
}

func (s *bridgeSession) SetPresence(_ context.Context, chatID, state string) error {
	return s.write(protocol.BridgeFrame{Type: protocol.FramePresence, To: chatID, State: state})
}

// RequestPairingCode asks the bridge for a phone-number pairing code and
// waits for the matching pair_code frame.
func (s *bridgeSession) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	id := uuid.NewString()
	ch := make(chan protocol.BridgeFrame, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(protocol.BridgeFrame{Type: protocol.FramePairCodeRequest, RequestID: id, Phone: phone}); err != nil {
		return "", err
	}

	timer := time.NewTimer(s.pairCodeTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.Error != "" {
			return "", fmt.Errorf("bridge pairing: %s", f.Error)
		}
		if f.Code == "" {
			return "", fmt.Errorf("bridge pairing: empty code")
		}
		return f.Code, nil
	case <-timer.C:
		return "", fmt.Errorf("bridge pairing: no code after %s", s.pairCodeTimeout)
	case <-s.done:
		return "", errSessionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *bridgeSession) Logout(_ context.Context) error {
	return s.write(protocol.BridgeFrame{Type: protocol.FrameLogout})
}

func (s *bridgeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *bridgeSession) write(f protocol.BridgeFrame) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp %s frame: %w", f.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp %s frame: %w", f.Type, err)
	}
	return nil
}

// listenLoop reads frames until the socket fails. Exactly one closed event is
// emitted per session unless Close was called first.
func (s *bridgeSession) listenLoop(sink session.Sink) {
	defer s.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			slog.Warn("whatsapp read error", "error", err)
			sink(session.Event{Kind: session.EventClosed, Reason: reasonConnectionLost})
			return
		}

		var f protocol.BridgeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameQR:
			sink(session.Event{Kind: session.EventQR, QR: f.QR})
		case protocol.FramePairingRequired:
			sink(session.Event{Kind: session.EventPairingRequired})
		case protocol.FrameReady:
			sink(session.Event{Kind: session.EventReady, User: f.User})
		case protocol.FrameClosed:
			reason := f.Reason
			if reason == "" {
				reason = reasonConnectionLost
			}
			sink(session.Event{Kind: session.EventClosed, Reason: reason})
			return
		case protocol.FrameMessage:
			if msg, ok := inboundFromFrame(f); ok {
				sink(session.Event{Kind: session.EventMessage, Message: msg})
			}
		case protocol.FramePairCode:
			s.mu.Lock()
			ch := s.pending[f.RequestID]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- f:
				default:
				}
			}
		default:
			slog.Debug("whatsapp frame ignored", "type", f.Type)
		}
	}
}

// inboundFromFrame converts a bridge message frame.
// Expected format: {"type":"message","chat":"...","from":"...","id":"...","content":"...","from_me":false,"image":"<base64>"}
func inboundFromFrame(f protocol.BridgeFrame) (bus.InboundMessage, bool) {
	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}
	if chatID == "" {
		return bus.InboundMessage{}, false
	}

	msg := bus.InboundMessage{
		ChatID:    chatID,
		SenderID:  f.From,
		MessageID: f.ID,
		IsGroup:   bus.IsGroupChat(chatID),
		Content:   f.Content,
		FromSelf:  f.FromMe,
	}
	if f.Image != "" {
		img, err := base64.StdEncoding.DecodeString(f.Image)
		if err != nil {
			slog.Warn("whatsapp image payload not base64", "chat_id", chatID, "error", err)
		} else {
			msg.Attachment = img
		}
	}

	slog.Debug("whatsapp message received",
		"sender_id", msg.SenderID,
		"chat_id", chatID,
		"image", msg.HasImage(),
		"preview", truncate(msg.Content, 50),
	)
	return msg, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
