// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/domain"
)

// Repository defines the interface for persisting session and event data.
type Repository interface {
	// Put creates or updates a session record keyed by session ID.
	Put(ctx context.Context, record *domain.SessionRecord) error

	// Get retrieves a session record. Returns domain.ErrNotFound when absent.
	Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// ListActive retrieves all sessions that have not reached the expired phase.
	ListActive(ctx context.Context) ([]*domain.SessionRecord, error)

	// Delete removes a session record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpiredBefore removes expired sessions whose last activity is older
	// than cutoff, together with their event log. Returns the number of
	// sessions removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// SaveEvent appends a delivered event to the event log. Saving the same
	// dedup key twice is a no-op.
	SaveEvent(ctx context.Context, event *domain.InboundEvent) error

	// ListEvents retrieves delivered events for a session, newest first.
	ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*domain.InboundEvent, error)

	// ListMessages retrieves delivered message events (new and edited) for a
	// session, newest first, skipping lifecycle notices. A non-zero chatID
	// restricts the result to that chat.
	ListMessages(ctx context.Context, sessionID string, chatID int64, limit, offset int) ([]*domain.InboundEvent, error)

	// AgentStats aggregates stored message events for one agent across all
	// of its sessions.
	AgentStats(ctx context.Context, agentID int64) (*domain.AgentStats, error)

	// Ping verifies connectivity and returns an error if the backend is unreachable.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}

// Open creates the repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Repository, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		return NewSQLite(cfg.SQLitePath)
	case config.StoreDriverMongo:
		return NewMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// storageErr wraps a backend failure so callers can detect transient storage
// trouble with errors.Is(err, domain.ErrStorageUnavailable).
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
