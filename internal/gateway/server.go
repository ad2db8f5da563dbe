package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	httpapi "github.com/nextlevelbuilder/wabridge/internal/http"
	"github.com/nextlevelbuilder/wabridge/internal/session"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	eventWriteTimeout      = 5 * time.Second
)

// Sessions is the session manager as seen by the HTTP API.
type Sessions interface {
	httpapi.SessionController
	Subscribe() (<-chan session.Status, func())
}

// Dispatcher reports queue load for /health.
type Dispatcher interface {
	ActiveConversations() int
}

// Server is the HTTP API: status, pairing, send and the live event stream.
type Server struct {
	cfg        *config.Config
	sessions   Sessions
	dispatcher Dispatcher

	rateLimiter     *RateLimiter
	sessionHandler  *httpapi.SessionHandler
	messagesHandler *httpapi.MessagesHandler

	httpServer *http.Server
	mux        *http.ServeMux

	// closing is closed when Serve begins shutting down; event streams send
	// EventShutdown on it.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, sessions Sessions, dispatcher Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		closing:    make(chan struct{}),
	}

	// rate_limit_rpm > 0  → enabled at that RPM
	// rate_limit_rpm <= 0 → disabled
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM)

	s.sessionHandler = httpapi.NewSessionHandler(sessions, cfg.Gateway.Token)
	s.messagesHandler = httpapi.NewMessagesHandler(sessions, cfg.Gateway.Token)
	if s.rateLimiter.Enabled() {
		s.sessionHandler.SetRateLimiter(s.rateLimiter.Allow)
		s.messagesHandler.SetRateLimiter(s.rateLimiter.Allow)
	}
	return s
}

// RateLimiter returns the server's rate limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	token := s.cfg.Gateway.Token

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/events", httpapi.RequireToken(token, s.handleEvents))
	mux.HandleFunc("GET /config", httpapi.RequireToken(token, s.handleConfig))

	s.sessionHandler.RegisterRoutes(mux)
	s.messagesHandler.RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts outlive ctx so streams can say goodbye; Shutdown
		// still drains plain requests.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.closeOnce.Do(func() { close(s.closing) })
		timeout := s.cfg.Gateway.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status              string `json:"status"`
	Protocol            int    `json:"protocol"`
	State               string `json:"state"`
	ActiveConversations int    `json:"active_conversations"`
}

// handleHealth is unauthenticated so load balancers can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		State:    s.sessions.Status().State,
	}
	if s.dispatcher != nil {
		resp.ActiveConversations = s.dispatcher.ActiveConversations()
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, s.cfg.MaskedCopy())
}

// handleEvents streams session status snapshots to a WebSocket client, one
// event per change, starting with the current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("events: websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())

	updates, unsubscribe := s.sessions.Subscribe()
	defer unsubscribe()

	slog.Debug("events: client connected", "remote", r.RemoteAddr)
	var lastQR string
	for {
		select {
		case <-ctx.Done():
			slog.Debug("events: client disconnected", "remote", r.RemoteAddr)
			return
		case <-s.closing:
			sendShutdown(conn)
			return
		case st, ok := <-updates:
			if !ok {
				sendShutdown(conn)
				return
			}
			if err := writeEvent(ctx, conn, bus.Event{Name: protocol.EventSessionState, Payload: st}); err != nil {
				slog.Debug("events: write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			if st.QR != "" && st.QR != lastQR {
				lastQR = st.QR
				if err := writeEvent(ctx, conn, bus.Event{Name: protocol.EventSessionQR, Payload: map[string]string{"qr": st.QR}}); err != nil {
					return
				}
			}
		}
	}
}

// sendShutdown tells the client the gateway is going away. The write uses its
// own deadline since the request context may already be done.
func sendShutdown(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, bus.Event{Name: protocol.EventShutdown}); err != nil {
		slog.Debug("events: shutdown write failed", "error", err)
	}
	conn.Close(websocket.StatusGoingAway, "shutting down")
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
