package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/store"
)

// StartSupervisor runs a background goroutine that periodically sweeps
// running sessions: it closes pending sessions that outlived their
// authentication window, nudges stale ones to reconnect, and purges
// long-expired records from the store.
//
// Machines enforce their own deadlines with timers; the sweep is the
// backstop that also catches sessions restored in odd states.
func StartSupervisor(ctx context.Context, cfg config.SupervisorConfig, registry *Registry, repo store.Repository) {
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Supervisor started",
			"interval", cfg.Interval,
			"stale_after", cfg.StaleAfter,
			"retention", cfg.Retention)

		for {
			select {
			case <-ticker.C:
				superviseSessions(ctx, cfg, registry, repo)
			case <-ctx.Done():
				slog.Info("Supervisor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func superviseSessions(ctx context.Context, cfg config.SupervisorConfig, registry *Registry, repo store.Repository) {
	now := time.Now()

	for _, snap := range registry.Snapshots() {
		switch {
		case snap.Phase.Pending():
			deadline, ok := snap.AuthDeadline()
			if !ok || now.Before(deadline) {
				continue
			}
			slog.Info("Supervisor closing session past auth deadline",
				"session_id", snap.SessionID,
				"phase", snap.Phase,
				"deadline", deadline)
			if err := registry.Close(ctx, snap.SessionID); err != nil {
				slog.Warn("Supervisor failed to close overdue session",
					"session_id", snap.SessionID,
					"error", err)
			}

		case snap.Phase == domain.PhaseActive:
			if now.Sub(snap.LastActivityAt) <= cfg.StaleAfter {
				continue
			}
			// Reconnect is a no-op on sessions whose adapter is healthy,
			// so nudging an idle-but-connected session is harmless.
			if _, err := registry.Drive(ctx, snap.SessionID, domain.Reconnect{}); err != nil &&
				!errors.Is(err, domain.ErrInvalidPhaseForInput) &&
				!errors.Is(err, domain.ErrSessionExpired) {
				slog.Warn("Supervisor failed to nudge stale session",
					"session_id", snap.SessionID,
					"error", err)
			}
		}
	}

	if removed, err := repo.DeleteExpiredBefore(ctx, now.Add(-cfg.Retention)); err != nil {
		slog.Error("Supervisor failed to purge expired sessions", "error", err)
	} else if removed > 0 {
		slog.Info("Supervisor purged expired sessions", "removed", removed)
	}
}
