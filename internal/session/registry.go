package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/store"
	"github.com/avaliev/tgbridge/internal/telegram"

	"github.com/google/uuid"
)

// Registry owns every running session machine and the agent-to-session
// index. All lookups go through here; handlers and the supervisor never
// hold a machine directly.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*machine
	byAgent  map[int64]string

	dialer telegram.Dialer
	repo   store.Repository
	queue  EventQueue
	cfg    config.SessionConfig
	logger *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewRegistry(dialer telegram.Dialer, repo store.Repository, queue EventQueue, cfg config.SessionConfig) *Registry {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Registry{
		machines:   make(map[string]*machine),
		byAgent:    make(map[int64]string),
		dialer:     dialer,
		repo:       repo,
		queue:      queue,
		cfg:        cfg,
		logger:     slog.With("component", "registry"),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Open creates a fresh session for the agent and starts its machine.
// One live session per agent; a global cap bounds the total.
func (r *Registry) Open(ctx context.Context, agentID int64) (*domain.SessionRecord, error) {
	now := time.Now()
	record := &domain.SessionRecord{
		SessionID:      uuid.NewString(),
		AgentID:        agentID,
		Phase:          domain.PhaseCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	if existing, ok := r.byAgent[agentID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %d already holds session %s: %w",
			agentID, existing, domain.ErrAgentAlreadyConnected)
	}
	if len(r.machines) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%d sessions running: %w", len(r.machines), domain.ErrCapacityExceeded)
	}

	m := newMachine(r.rootCtx, record, r.deps())
	r.machines[record.SessionID] = m
	r.byAgent[agentID] = record.SessionID
	total := len(r.machines)
	r.mu.Unlock()

	m.start()

	snap := m.Snapshot()
	if err := r.repo.Put(ctx, snap); err != nil {
		r.logger.Warn("Persisting new session failed", "session_id", snap.SessionID, "error", err)
	}
	r.logger.Info("Session opened", "session_id", snap.SessionID, "agent_id", agentID, "active", total)
	return snap, nil
}

// Get returns the session snapshot, falling back to the store for
// sessions that are no longer (or not yet again) running.
func (r *Registry) Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	if m, ok := r.lookup(sessionID); ok {
		return m.Snapshot(), nil
	}
	return r.repo.Get(ctx, sessionID)
}

// Probe is Get for status checks: it also counts as session activity on
// running machines, so polling agents keep their sessions warm.
func (r *Registry) Probe(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	if m, ok := r.lookup(sessionID); ok {
		m.touch()
		return m.Snapshot(), nil
	}
	return r.repo.Get(ctx, sessionID)
}

// Drive feeds one input to the session machine and returns the outcome.
func (r *Registry) Drive(ctx context.Context, sessionID string, input domain.Input) (*DriveResult, error) {
	m, ok := r.lookup(sessionID)
	if !ok {
		if _, err := r.repo.Get(ctx, sessionID); err != nil {
			return nil, err
		}
		// Known session with no machine behind it accepts no input.
		return nil, fmt.Errorf("session %s is not running: %w", sessionID, domain.ErrInvalidPhaseForInput)
	}
	return m.drive(ctx, input)
}

// Close forces the session into expired from any phase. Closing a
// session that already reached a terminal state is a no-op.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	m, ok := r.lookup(sessionID)
	if !ok {
		if _, err := r.repo.Get(ctx, sessionID); err != nil {
			return err
		}
		return nil
	}

	if _, err := m.drive(ctx, domain.Disconnect{}); err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			return nil
		}
		return err
	}
	return nil
}

// ActiveCount is the number of running machines, terminal ones excluded.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// Snapshots returns a point-in-time copy of every running session.
func (r *Registry) Snapshots() []*domain.SessionRecord {
	r.mu.RLock()
	machines := make([]*machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	snaps := make([]*domain.SessionRecord, 0, len(machines))
	for _, m := range machines {
		snaps = append(snaps, m.Snapshot())
	}
	return snaps
}

// Restore re-registers persisted sessions after a restart. Sessions that
// had reached authenticated or beyond come back as disconnected machines
// and start reconnecting; sessions caught mid-authentication cannot be
// resumed because the protocol handshake is gone, so they are marked
// expired in the store.
func (r *Registry) Restore(ctx context.Context) error {
	records, err := r.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for restore: %w", err)
	}

	restored, discarded := 0, 0
	for _, record := range records {
		if record.Phase.Pending() {
			r.discardMidAuth(ctx, record)
			discarded++
			continue
		}

		record.Phase = domain.PhaseDisconnected
		record.Touch(time.Now())

		r.mu.Lock()
		if len(r.machines) >= r.cfg.MaxSessions {
			r.mu.Unlock()
			r.logger.Warn("Capacity reached during restore, session left in store",
				"session_id", record.SessionID)
			continue
		}
		if _, taken := r.byAgent[record.AgentID]; taken {
			r.mu.Unlock()
			r.logger.Warn("Agent already restored, skipping duplicate session",
				"session_id", record.SessionID, "agent_id", record.AgentID)
			continue
		}
		m := newMachine(r.rootCtx, record, r.deps())
		r.machines[record.SessionID] = m
		r.byAgent[record.AgentID] = record.SessionID
		r.mu.Unlock()

		m.start()
		if err := r.repo.Put(ctx, m.Snapshot()); err != nil {
			r.logger.Warn("Persisting restored session failed", "session_id", record.SessionID, "error", err)
		}
		restored++
	}

	r.logger.Info("Session restore complete", "restored", restored, "discarded", discarded)
	return nil
}

func (r *Registry) discardMidAuth(ctx context.Context, record *domain.SessionRecord) {
	record.Phase = domain.PhaseExpired
	record.SetMeta(domain.MetaExpireReason, "restart_during_auth")
	record.Touch(time.Now())
	if err := r.repo.Put(ctx, record); err != nil {
		r.logger.Warn("Marking mid-auth session expired failed",
			"session_id", record.SessionID, "error", err)
	}
	if record.CredentialRef != "" {
		if err := os.Remove(record.CredentialRef); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("Removing stale credential file failed",
				"session_id", record.SessionID, "error", err)
		}
	}
}

// Shutdown stops every machine without expiring anything. Each machine
// persists its phase and disconnects; the passed context bounds the wait.
func (r *Registry) Shutdown(ctx context.Context) {
	r.rootCancel()

	r.mu.RLock()
	dones := make([]chan struct{}, 0, len(r.machines))
	for _, m := range r.machines {
		dones = append(dones, m.done)
	}
	r.mu.RUnlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Warn("Shutdown timed out waiting for session machines")
			return
		}
	}
	r.logger.Info("All session machines stopped", "count", len(dones))
}

func (r *Registry) lookup(sessionID string) (*machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[sessionID]
	return m, ok
}

func (r *Registry) deps() machineDeps {
	return machineDeps{
		dialer:       r.dialer,
		repo:         r.repo,
		queue:        r.queue,
		cfg:          r.cfg,
		release:      r.release,
		releaseAgent: r.releaseAgent,
	}
}

// releaseAgent frees the agent slot the moment a session turns terminal,
// before its machine finishes tearing down. Without this an agent closing
// and immediately reopening would race the dying machine and hit
// ErrAgentAlreadyConnected.
func (r *Registry) releaseAgent(sessionID string, agentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byAgent[agentID]; ok && current == sessionID {
		delete(r.byAgent, agentID)
	}
}

// release drops a terminal machine from both indexes. Called by the
// machine itself as its goroutine exits; the agent slot is usually gone
// already, so the guard keeps a replacement session intact.
func (r *Registry) release(sessionID string, agentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byAgent[agentID]; ok && current == sessionID {
		delete(r.byAgent, agentID)
	}
	delete(r.machines, sessionID)
}
