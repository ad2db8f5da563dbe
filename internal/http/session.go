package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/wabridge/internal/session"
)

const qrImageSize = 256

// SessionController is the part of the session manager the HTTP API drives.
type SessionController interface {
	Status() session.Status
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string) error
}

// SessionHandler serves connection status, QR and pairing endpoints.
type SessionHandler struct {
	sessions SessionController
	token    string
	allow    func(key string) bool
}

// NewSessionHandler creates a handler for session endpoints.
func NewSessionHandler(s SessionController, token string) *SessionHandler {
	return &SessionHandler{sessions: s, token: token}
}

// SetRateLimiter limits pairing and logout calls per client.
func (h *SessionHandler) SetRateLimiter(allow func(key string) bool) { h.allow = allow }

// RegisterRoutes registers all session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.auth(h.handleStatus))
	mux.HandleFunc("GET /qr", h.auth(h.handleQR))
	mux.HandleFunc("GET /pair-code", h.auth(h.limited(h.handlePairCode)))
	mux.HandleFunc("POST /pair", h.auth(h.limited(h.handlePair)))
	mux.HandleFunc("POST /logout", h.auth(h.limited(h.handleLogout)))
}

func (h *SessionHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if !tokenMatches(r, h.token) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (h *SessionHandler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rateLimited(h.allow, next)(w, r)
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Connected     bool   `json:"connected"`
	User          string `json:"user"`
	State         string `json:"state"`
	PairingMethod string `json:"pairing_method"`
	QR            string `json:"qr,omitempty"` // PNG data URL
}

func (h *SessionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.sessions.Status()
	resp := StatusResponse{
		Connected:     st.Connected,
		User:          st.User,
		State:         st.State,
		PairingMethod: st.PairingMethod,
	}
	if st.QR != "" && !st.Connected {
		if url, err := qrDataURL(st.QR); err == nil {
			resp.QR = url
		} else {
			slog.Warn("http.status: qr render failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) handleQR(w http.ResponseWriter, r *http.Request) {
	st := h.sessions.Status()
	if st.Connected {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "already connected", "alreadyConnected": true})
		return
	}
	if st.QR == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "qr not generated yet"})
		return
	}
	png, err := qrcode.Encode(st.QR, qrcode.Medium, qrImageSize)
	if err != nil {
		slog.Error("http.qr: render failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render qr"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *SessionHandler) handlePairCode(w http.ResponseWriter, r *http.Request) {
	h.pair(w, r, r.URL.Query().Get("number"))
}

func (h *SessionHandler) handlePair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	h.pair(w, r, body.Number)
}

func (h *SessionHandler) pair(w http.ResponseWriter, r *http.Request, number string) {
	if strings.TrimSpace(number) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "number is required"})
		return
	}
	code, err := h.sessions.RequestPairingCode(r.Context(), number)
	if err != nil {
		status := sessionErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("http.pair: pairing code request failed", "error", err)
		}
		body := map[string]interface{}{"error": err.Error()}
		if errors.Is(err, session.ErrAlreadyConnected) {
			body["alreadyConnected"] = true
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pairingCode": code})
}

func (h *SessionHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		status := sessionErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("http.logout: failed", "error", err)
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// sessionErrorStatus maps session errors onto HTTP status codes.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotReady), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func qrDataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
