package api

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avaliev/tgbridge/internal/domain"

	"github.com/go-chi/chi/v5"
)

const (
	defaultMessageLimit = 50
	defaultEventLimit   = 100
	maxMessageLimit     = 200
)

// SessionHandler handles the session lifecycle endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers the session lifecycle routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/telegram", func(r chi.Router) {
		r.Post("/request-qr", h.RequestQR)
		r.Post("/request-phone-code", h.RequestPhoneCode)
		r.Post("/verify-code", h.VerifyCode)
		r.Post("/verify-password", h.VerifyPassword)
		r.Post("/disconnect", h.Disconnect)
		r.Post("/send-message", h.SendMessage)
		r.Get("/status/{sessionID}", h.Status)
		r.Get("/messages/{sessionID}", h.Messages)
		r.Get("/chat-history/{sessionID}/{chatID}", h.ChatHistory)
		r.Get("/agent-stats/{agentID}", h.AgentStats)
		r.Get("/stats", h.Stats)
		r.Get("/events/stream", h.Stream)
		r.Get("/events/{sessionID}", h.Events)
	})
}

// RequestQR opens a session for the agent and starts a QR login.
func (h *SessionHandler) RequestQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID int64 `json:"agent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == 0 {
		Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	ctx := r.Context()
	snap, err := h.sessions.Open(ctx, req.AgentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.sessions.Drive(ctx, snap.SessionID, domain.StartQR{})
	if err != nil {
		h.closeFailedOpen(snap.SessionID)
		writeDomainError(w, err)
		return
	}

	slog.Info("QR login started", "session_id", snap.SessionID, "agent_id", req.AgentID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": snap.SessionID,
		"qr_code":    base64.StdEncoding.EncodeToString(result.Challenge.ImagePNG),
		"expires_in": int(time.Until(result.Challenge.ExpiresAt).Seconds()),
	})
}

// RequestPhoneCode opens a session for the agent and requests a login
// code for the phone number.
func (h *SessionHandler) RequestPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID int64  `json:"agent_id"`
		Phone   string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == 0 {
		Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.Phone == "" {
		Error(w, http.StatusBadRequest, "phone is required")
		return
	}

	ctx := r.Context()
	snap, err := h.sessions.Open(ctx, req.AgentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.sessions.Drive(ctx, snap.SessionID, domain.StartPhone{Phone: req.Phone})
	if err != nil {
		h.closeFailedOpen(snap.SessionID)
		writeDomainError(w, err)
		return
	}

	slog.Info("Phone login started", "session_id", snap.SessionID, "agent_id", req.AgentID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": snap.SessionID,
		"phone":      result.Snapshot.Phone,
		"message":    "confirmation code sent",
	})
}

// closeFailedOpen frees the agent slot when the login flow could not
// start; otherwise the agent would be locked out until expiry.
func (h *SessionHandler) closeFailedOpen(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sessions.Close(ctx, sessionID); err != nil {
		slog.Warn("Closing session after failed login start", "session_id", sessionID, "error", err)
	}
}

// VerifyCode submits the confirmation code for a pending phone login.
func (h *SessionHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Code == "" {
		Error(w, http.StatusBadRequest, "session_id and code are required")
		return
	}

	result, err := h.sessions.Drive(r.Context(), req.SessionID, domain.SubmitCode{Code: req.Code})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success":   true,
		"connected": result.Snapshot.Phase == domain.PhaseActive,
	}
	if result.PasswordRequired {
		resp["requires_password"] = true
	}
	if result.Auth != nil {
		resp["phone"] = result.Snapshot.Phone
		resp["user_id"] = result.Snapshot.UserID
	}
	JSON(w, http.StatusOK, resp)
}

// VerifyPassword submits the two-factor password.
func (h *SessionHandler) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Password  string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "session_id and password are required")
		return
	}

	result, err := h.sessions.Drive(r.Context(), req.SessionID, domain.SubmitPassword{Password: req.Password})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"connected": result.Snapshot.Phase == domain.PhaseActive,
		"phone":     result.Snapshot.Phone,
		"user_id":   result.Snapshot.UserID,
	})
}

// Disconnect closes the session, logging the account out and purging
// its credentials.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := h.sessions.Close(r.Context(), req.SessionID); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("Session disconnected", "session_id", req.SessionID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "session disconnected",
	})
}

// SendMessage sends a text message through an active session.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		ChatID    int64  `json:"chat_id"`
		Message   string `json:"message"`
		ReplyTo   int    `json:"reply_to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.ChatID == 0 || req.Message == "" {
		Error(w, http.StatusBadRequest, "chat_id and message are required")
		return
	}

	result, err := h.sessions.Drive(r.Context(), req.SessionID, domain.SendMessage{
		ChatID:  req.ChatID,
		Text:    req.Message,
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message_id": result.Receipt.MessageID,
		"sent_at":    result.Receipt.SentAt.UTC().Format(time.RFC3339),
	})
}

// Status reports the current session phase. A status probe counts as
// session activity.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snap, err := h.sessions.Probe(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success":   true,
		"connected": snap.Phase == domain.PhaseActive,
		"phase":     snap.Phase,
	}
	if snap.Phone != "" {
		resp["phone"] = snap.Phone
	}
	if snap.UserID != 0 {
		resp["user_id"] = snap.UserID
	}
	if !snap.LastActivityAt.IsZero() {
		resp["last_activity"] = snap.LastActivityAt.UTC().Format(time.RFC3339)
	}
	JSON(w, http.StatusOK, resp)
}

// Messages lists stored message events for the session, newest first.
// Lifecycle notices are excluded; the events endpoint serves the full log.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", defaultMessageLimit)
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}
	skip := queryInt(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}

	events, err := h.store.ListMessages(r.Context(), sessionID, 0, limit, skip)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []*domain.InboundEvent{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(events),
		"messages": events,
	})
}

// ChatHistory lists the stored messages of one chat in a session, newest
// first.
func (h *SessionHandler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || chatID == 0 {
		Error(w, http.StatusBadRequest, "invalid chat ID")
		return
	}

	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", defaultMessageLimit)
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}

	events, err := h.store.ListMessages(r.Context(), sessionID, chatID, limit, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []*domain.InboundEvent{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
		"chat_id":    chatID,
		"count":      len(events),
		"messages":   events,
	})
}

// AgentStats reports aggregate message statistics for one agent across
// all of its sessions.
func (h *SessionHandler) AgentStats(w http.ResponseWriter, r *http.Request) {
	agentID, err := strconv.ParseInt(chi.URLParam(r, "agentID"), 10, 64)
	if err != nil || agentID == 0 {
		Error(w, http.StatusBadRequest, "invalid agent ID")
		return
	}

	stats, err := h.store.AgentStats(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

// Events lists the full stored event log for the session, newest first,
// lifecycle notices included.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", defaultEventLimit)
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultEventLimit
	}
	skip := queryInt(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}

	events, err := h.store.ListEvents(r.Context(), sessionID, limit, skip)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []*domain.InboundEvent{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(events),
		"events":  events,
	})
}

// Stats reports registry occupancy and dispatcher counters.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"active_sessions": h.sessions.ActiveCount(),
		"max_sessions":    h.maxSessions,
		"dispatcher":      h.stats.Stats(),
		"queue_depth":     h.stats.QueueDepth(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
