package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

const (
	defaultReconnectDelay     = 2 * time.Second
	defaultLogoutRestartDelay = time.Second
	defaultPairingWait        = 10 * time.Second
	subscriberBuffer          = 8
)

// Options configures a Manager. Zero values take defaults.
type Options struct {
	ReconnectDelay     time.Duration
	LogoutRestartDelay time.Duration
	PairingWait        time.Duration
	PairingMethod      string // PairingQR (default) or PairingCode
}

// Status is a snapshot of the session lifecycle.
type Status struct {
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
	User          string `json:"user,omitempty"`
	QR            string `json:"qr,omitempty"`
	PairingMethod string `json:"pairing_method"`
}

// Manager drives a Transport through connect, pairing and reconnect.
// Each closure schedules exactly one restart, except a logout closure which
// parks the manager in LOGGED_OUT until Restart is called.
type Manager struct {
	transport Transport
	opts      Options

	mu       sync.Mutex
	sess     Session
	gen      uint64 // bumped whenever the current session is abandoned
	state    string
	user     string
	qr       string
	method   string
	ready    chan struct{} // closed while sess != nil
	timer    *time.Timer
	handler  func(bus.InboundMessage)
	subs     map[chan Status]struct{}
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	restarts int
}

// NewManager creates a Manager. Call Start to open the first session.
func NewManager(t Transport, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.LogoutRestartDelay <= 0 {
		opts.LogoutRestartDelay = defaultLogoutRestartDelay
	}
	if opts.PairingWait <= 0 {
		opts.PairingWait = defaultPairingWait
	}
	if opts.PairingMethod != PairingCode {
		opts.PairingMethod = PairingQR
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: t,
		opts:      opts,
		state:     protocol.StateConnecting,
		method:    opts.PairingMethod,
		ready:     make(chan struct{}),
		subs:      make(map[chan Status]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHandler registers the receiver of inbound chat messages. Messages are
// delivered in arrival order on the transport's read goroutine.
func (m *Manager) SetHandler(h func(bus.InboundMessage)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start opens a new session, abandoning the current one if any. A dial
// failure counts as a closure and schedules a restart.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopTimerLocked()
	old := m.dropSessionLocked()
	gen := m.gen
	m.setStateLocked(protocol.StateConnecting)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	slog.Info("session: connecting")
	sess, err := m.transport.Connect(ctx, func(ev Event) { m.handleEvent(gen, ev) })
	if err != nil {
		m.mu.Lock()
		if gen == m.gen && !m.closed {
			m.setStateLocked(protocol.StateDisconnected)
			m.scheduleRestartLocked(m.opts.ReconnectDelay)
		}
		m.mu.Unlock()
		return fmt.Errorf("connect transport: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Closed (or superseded) before Connect returned.
		m.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	m.sess = sess
	close(m.ready)
	m.mu.Unlock()
	return nil
}

// Restart abandons the current session and opens a new one. It is the only
// way out of LOGGED_OUT.
func (m *Manager) Restart(ctx context.Context) error {
	slog.Info("session: restart requested")
	return m.Start(ctx)
}

// CurrentSession returns the live handle, or nil.
func (m *Manager) CurrentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Status returns the current lifecycle snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Restarts returns how many automatic restarts have fired.
func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// SendText sends text to chatID on the live session. Errors are not retried.
func (m *Manager) SendText(ctx context.Context, chatID, text string) error {
	s := m.CurrentSession()
	if s == nil {
		return ErrSessionNotReady
	}
	return s.SendText(ctx, chatID, text)
}

// SetPresence updates the chat presence ("composing", "paused").
func (m *Manager) SetPresence(ctx context.Context, chatID, state string) error {
	s := m.CurrentSession()
	if s == nil {
		return ErrSessionNotReady
	}
	return s.SetPresence(ctx, chatID, state)
}

// RequestPairingCode asks the transport for a phone-number pairing code,
// waiting up to Options.PairingWait for a session handle.
func (m *Manager) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	digits := bus.DigitsOnly(phone)
	if digits == "" {
		return "", ErrInvalidPhone
	}
	m.mu.Lock()
	connected := m.state == protocol.StateConnected
	m.mu.Unlock()
	if connected {
		return "", ErrAlreadyConnected
	}

	s, err := m.waitSession(ctx, m.opts.PairingWait)
	if err != nil {
		return "", err
	}

	code, err := s.RequestPairingCode(ctx, digits)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}

	m.mu.Lock()
	m.method = PairingCode
	m.setStateLocked(protocol.StateAwaitingPairingCode)
	m.mu.Unlock()

	slog.Info("session: pairing code issued", "phone", digits)
	return code, nil
}

// Logout logs the account out, drops the handle and starts over shortly after
// so a new pairing can begin.
func (m *Manager) Logout(ctx context.Context) error {
	s := m.CurrentSession()
	if s == nil {
		return ErrSessionNotReady
	}
	if err := s.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	m.mu.Lock()
	var old Session
	if m.sess == s {
		old = m.dropSessionLocked()
	}
	m.user = ""
	m.setStateLocked(protocol.StateLoggedOut)
	if !m.closed {
		m.scheduleRestartLocked(m.opts.LogoutRestartDelay)
	}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.Info("session: logged out")
	return nil
}

// Subscribe returns a channel of status snapshots, starting with the current
// one. Slow subscribers miss intermediate snapshots. Call the returned func
// to unsubscribe.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	ch <- m.statusLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// Shutdown cancels pending restarts, closes the session and all subscriptions.
func (m *Manager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	old := m.dropSessionLocked()
	m.setStateLocked(protocol.StateDisconnected)
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()

	m.cancel()
	if old != nil {
		return old.Close()
	}
	return nil
}

func (m *Manager) handleEvent(gen uint64, ev Event) {
	if ev.Kind == EventMessage {
		m.mu.Lock()
		h, stale := m.handler, gen != m.gen
		m.mu.Unlock()
		if h != nil && !stale {
			h(ev.Message)
		}
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		slog.Debug("session: ignoring event from stale session", "event", ev.Kind.String())
		return
	}

	var old Session
	switch ev.Kind {
	case EventQR:
		m.qr = ev.QR
		m.setStateLocked(protocol.StateAwaitingQR)
		slog.Info("session: qr code issued")

	case EventPairingRequired:
		if m.method == PairingCode {
			m.setStateLocked(protocol.StateAwaitingPairingCode)
		} else {
			m.setStateLocked(protocol.StateAwaitingQR)
		}

	case EventReady:
		m.user = ev.User
		m.qr = ""
		m.setStateLocked(protocol.StateConnected)
		slog.Info("session: connected", "user", ev.User)

	case EventClosed:
		old = m.dropSessionLocked()
		m.qr = ""
		if ev.Reason == ReasonLoggedOut {
			m.user = ""
			m.setStateLocked(protocol.StateLoggedOut)
			slog.Warn("session: logged out, not reconnecting")
		} else {
			m.setStateLocked(protocol.StateDisconnected)
			m.scheduleRestartLocked(m.opts.ReconnectDelay)
			slog.Warn("session: closed, reconnecting", "reason", ev.Reason, "delay", m.opts.ReconnectDelay)
		}
	}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// waitSession returns the live handle, waiting up to d for one to appear.
func (m *Manager) waitSession(ctx context.Context, d time.Duration) (Session, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		m.mu.Lock()
		s, ready, closed := m.sess, m.ready, m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if s != nil {
			return s, nil
		}
		select {
		case <-ready:
		case <-timer.C:
			return nil, ErrSessionNotReady
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dropSessionLocked abandons the current generation and returns its handle
// for the caller to close outside the lock.
func (m *Manager) dropSessionLocked() Session {
	old := m.sess
	m.sess = nil
	m.gen++
	if old != nil {
		m.ready = make(chan struct{})
	}
	return old
}

func (m *Manager) scheduleRestartLocked(d time.Duration) {
	m.stopTimerLocked()
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.restarts++
		m.mu.Unlock()
		if err := m.Start(m.ctx); err != nil {
			slog.Warn("session: restart failed", "error", err)
		}
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(state string) {
	m.state = state
	st := m.statusLocked()
	for ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:         m.state,
		Connected:     m.state == protocol.StateConnected,
		User:          m.user,
		QR:            m.qr,
		PairingMethod: m.method,
	}
}
