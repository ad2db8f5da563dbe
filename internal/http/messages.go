package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

// MessagesHandler serves POST /send for operator-initiated direct messages.
type MessagesHandler struct {
	sessions SessionController
	token    string
	allow    func(key string) bool
}

// NewMessagesHandler creates a handler for the send endpoint.
func NewMessagesHandler(s SessionController, token string) *MessagesHandler {
	return &MessagesHandler{sessions: s, token: token}
}

// SetRateLimiter limits sends per client.
func (h *MessagesHandler) SetRateLimiter(allow func(key string) bool) { h.allow = allow }

// RegisterRoutes registers the send route on the given mux.
func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /send", RequireToken(h.token, h.limited(h.handleSend)))
}

func (h *MessagesHandler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rateLimited(h.allow, next)(w, r)
	}
}

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

func (h *MessagesHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Number) == "" || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "number and message are required"})
		return
	}
	chatID := bus.DirectChatID(req.Number)
	if chatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "number has no digits"})
		return
	}

	if err := h.sessions.SendText(r.Context(), chatID, req.Message); err != nil {
		status := sessionErrorStatus(err)
		slog.Warn("http.send: failed", "chat_id", chatID, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("http.send: message sent", "chat_id", chatID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "to": chatID})
}

func rateLimited(allow func(key string) bool, next http.HandlerFunc) http.HandlerFunc {
	if allow == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(ClientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}
