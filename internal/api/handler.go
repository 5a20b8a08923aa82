// Package api provides HTTP handlers for the bridge API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/dispatch"
	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/session"
)

// SessionService is the slice of the registry the HTTP layer drives.
type SessionService interface {
	Open(ctx context.Context, agentID int64) (*domain.SessionRecord, error)
	Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	Probe(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	Drive(ctx context.Context, sessionID string, input domain.Input) (*session.DriveResult, error)
	Close(ctx context.Context, sessionID string) error
	ActiveCount() int
}

// Store is the slice of the repository the HTTP layer reads from.
type Store interface {
	ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*domain.InboundEvent, error)
	ListMessages(ctx context.Context, sessionID string, chatID int64, limit, offset int) ([]*domain.InboundEvent, error)
	AgentStats(ctx context.Context, agentID int64) (*domain.AgentStats, error)
	Ping(ctx context.Context) error
}

// StatsSource exposes dispatcher counters for the stats endpoint.
type StatsSource interface {
	Stats() dispatch.Counters
	QueueDepth() int
}

// Handler provides common handler dependencies.
type Handler struct {
	sessions    SessionService
	store       Store
	stats       StatsSource
	hub         *dispatch.Hub
	origins     []string
	maxSessions int
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions SessionService, store Store, stats StatsSource, hub *dispatch.Hub, cfg *config.Config) *Handler {
	return &Handler{
		sessions:    sessions,
		store:       store,
		stats:       stats,
		hub:         hub,
		origins:     cfg.AllowedOrigins,
		maxSessions: cfg.Session.MaxSessions,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response with success=false.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"success": false, "error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeDomainError maps domain errors onto HTTP responses. An invalid
// code or password is a soft failure: the session survives and the
// agent retries, so the status stays 200 with success=false.
func writeDomainError(w http.ResponseWriter, err error) {
	if retry, ok := domain.AsRetryAfter(err); ok {
		seconds := int((retry.After + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		Error(w, http.StatusTooManyRequests, "rate limited, retry later")
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, domain.ErrAgentAlreadyConnected):
		Error(w, http.StatusConflict, "agent already has a session")
	case errors.Is(err, domain.ErrCapacityExceeded):
		Error(w, http.StatusConflict, "session capacity reached")
	case errors.Is(err, domain.ErrInvalidPhaseForInput):
		Error(w, http.StatusConflict, "session cannot accept this request")
	case errors.Is(err, domain.ErrSessionExpired):
		Error(w, http.StatusConflict, "session has expired")
	case errors.Is(err, domain.ErrAdapterDisconnected):
		Error(w, http.StatusConflict, "session is not connected")
	case errors.Is(err, domain.ErrUnknownPeer):
		Error(w, http.StatusBadRequest, "unknown chat for this session")
	case errors.Is(err, domain.ErrInvalidCode):
		Error(w, http.StatusOK, "invalid confirmation code")
	case errors.Is(err, domain.ErrInvalidPassword):
		Error(w, http.StatusOK, "invalid password")
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
