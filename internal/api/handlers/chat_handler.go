package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	middleware "github.com/recoverly/recoverly/internal/api/middlewares"
	"github.com/recoverly/recoverly/internal/chat"
	"github.com/recoverly/recoverly/internal/models"
)

// ChatService is the orchestrator surface the handler depends on.
type ChatService interface {
	Send(ctx context.Context, ownerID, message string, isEmergency bool) (*chat.SendResult, error)
	History(ctx context.Context, ownerID string, limit int) ([]models.ChatMessage, error)
	ClearHistory(ctx context.Context, ownerID string) (int64, error)
}

// LimitPeeker exposes the read-only rate-limit status for UI display.
type LimitPeeker interface {
	PeekStatus(ctx context.Context, ownerID string) models.RateLimitStatus
}

type ChatHandler struct {
	svc    ChatService
	peeker LimitPeeker
}

func NewChatHandler(svc ChatService, peeker LimitPeeker) *ChatHandler {
	return &ChatHandler{svc: svc, peeker: peeker}
}

type sendRequest struct {
	Message     string `json:"message"`
	IsEmergency bool   `json:"is_emergency"`
}

// SendMessage handles POST /api/chat.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.svc.Send(r.Context(), ownerID, req.Message, req.IsEmergency)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if result.RateLimitExceeded {
		writeJSON(w, http.StatusTooManyRequests, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetHistory handles GET /api/chat/history?limit=N.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.svc.History(r.Context(), ownerID, limit)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ClearHistory handles DELETE /api/chat/history.
func (h *ChatHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.svc.ClearHistory(r.Context(), ownerID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// GetLimit handles GET /api/chat/limit. Read-only: never consumes budget.
func (h *ChatHandler) GetLimit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, h.peeker.PeekStatus(r.Context(), ownerID))
}

// writeChatError maps the orchestrator's error taxonomy to HTTP. Full detail
// goes to the server log; the caller only sees the safe message.
func writeChatError(w http.ResponseWriter, err error) {
	msg := "internal error"
	status := http.StatusInternalServerError
	if e, ok := err.(*chat.Error); ok {
		msg = e.Message()
		switch e.Kind() {
		case chat.KindInvalidInput:
			status = http.StatusBadRequest
		case chat.KindUnauthenticated:
			status = http.StatusUnauthorized
		case chat.KindUpstreamOverloaded:
			status = http.StatusTooManyRequests
		case chat.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	if status >= http.StatusInternalServerError {
		log.Printf("chat request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
