// Package session implements the per-session lifecycle state machine,
// the registry that owns all machines, and the supervisor that sweeps
// them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/shared"
	"github.com/avaliev/tgbridge/internal/store"
	"github.com/avaliev/tgbridge/internal/telegram"

	"github.com/google/uuid"
)

// errAuthorizationRevoked marks a reconnect attempt that found the stored
// credentials no longer authorized. Retrying cannot help.
var errAuthorizationRevoked = errors.New("authorization revoked")

// EventQueue receives lifecycle and protocol events for delivery.
type EventQueue interface {
	Enqueue(event domain.InboundEvent)
}

// DriveResult is the outcome of feeding one input to a session: the
// post-input snapshot plus whatever the flow produced.
type DriveResult struct {
	Snapshot         *domain.SessionRecord
	Challenge        *domain.QRChallenge
	PasswordRequired bool
	Auth             *domain.AuthResult
	Receipt          *domain.SentReceipt
}

type driveReply struct {
	result DriveResult
	err    error
}

type inputEnvelope struct {
	input domain.Input
	reply chan driveReply
}

type qrOutcome struct {
	result domain.AuthResult
	err    error
}

type machineDeps struct {
	dialer       telegram.Dialer
	repo         store.Repository
	queue        EventQueue
	cfg          config.SessionConfig
	release      func(sessionID string, agentID int64)
	releaseAgent func(sessionID string, agentID int64)
}

// machine runs one session as a single goroutine. All phase transitions
// happen on that goroutine; the mutex guards the record for snapshots
// and the activity timestamp the adapter callback touches.
type machine struct {
	mu     sync.Mutex
	record *domain.SessionRecord

	deps   machineDeps
	client telegram.Client
	logger *slog.Logger

	inputs    chan inputEnvelope
	qrResults chan qrOutcome
	connLost  chan error

	authTimer   *time.Timer
	reconnTimer *time.Timer

	codeReq          *telegram.CodeRequest
	invalidTries     int
	reconnectAttempt int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newMachine(parent context.Context, record *domain.SessionRecord, deps machineDeps) *machine {
	ctx, cancel := context.WithCancel(parent)
	m := &machine{
		record: record,
		deps:   deps,
		logger: slog.With("component", "session",
			"session_id", record.SessionID, "agent_id", record.AgentID),
		inputs:      make(chan inputEnvelope),
		qrResults:   make(chan qrOutcome, 1),
		connLost:    make(chan error, 1),
		authTimer:   newStoppedTimer(),
		reconnTimer: newStoppedTimer(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.client = deps.dialer.Dial(record.SessionID, record.AgentID)
	m.wire(m.client)
	return m
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func (m *machine) start() {
	go m.run()
}

func (m *machine) run() {
	defer close(m.done)
	defer func() {
		if m.phase() == domain.PhaseExpired && m.deps.release != nil {
			snap := m.Snapshot()
			m.deps.release(snap.SessionID, snap.AgentID)
		}
	}()
	defer m.authTimer.Stop()
	defer m.reconnTimer.Stop()

	// Sessions restored as disconnected start their reconnect cycle
	// right away.
	if m.phase() == domain.PhaseDisconnected {
		m.armReconnect(shared.Delay(0, m.deps.cfg.ReconnectBackoffBase, m.deps.cfg.ReconnectBackoffCap))
	}

	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return
		case env := <-m.inputs:
			env.reply <- m.handleInput(env.input)
		case outcome := <-m.qrResults:
			m.handleQROutcome(outcome)
		case err := <-m.connLost:
			m.handleConnLost(err)
		case <-m.authTimer.C:
			m.handleAuthDeadline()
		case <-m.reconnTimer.C:
			m.attemptReconnect()
		}

		if m.phase().Terminal() {
			return
		}
	}
}

// drive submits one input and waits for the machine's reply.
func (m *machine) drive(ctx context.Context, input domain.Input) (*DriveResult, error) {
	env := inputEnvelope{input: input, reply: make(chan driveReply, 1)}

	select {
	case m.inputs <- env:
	case <-m.done:
		return nil, domain.ErrSessionExpired
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-env.reply:
		return reply.unpack()
	case <-m.done:
		// The machine may have answered just before exiting.
		select {
		case reply := <-env.reply:
			return reply.unpack()
		default:
			return nil, domain.ErrSessionExpired
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r driveReply) unpack() (*DriveResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	result := r.result
	return &result, nil
}

// Snapshot returns a copy of the session record safe to share.
func (m *machine) Snapshot() *domain.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Clone()
}

func (m *machine) phase() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Phase
}

// touch refreshes the activity timestamp. Called from the adapter event
// callback as well as the run loop.
func (m *machine) touch() {
	m.mu.Lock()
	m.record.Touch(time.Now())
	m.mu.Unlock()
}

func (m *machine) handleInput(input domain.Input) driveReply {
	switch in := input.(type) {
	case domain.StartQR:
		return m.startQR()
	case domain.StartPhone:
		return m.startPhone(in.Phone)
	case domain.SubmitCode:
		return m.submitCode(in.Code)
	case domain.SubmitPassword:
		return m.submitPassword(in.Password)
	case domain.SendMessage:
		return m.sendMessage(in)
	case domain.Reconnect:
		return m.reconnectInput()
	case domain.Disconnect:
		m.expire("logout")
		return driveReply{result: DriveResult{Snapshot: m.Snapshot()}}
	default:
		return driveReply{err: fmt.Errorf("unsupported input %T", input)}
	}
}

func (m *machine) startQR() driveReply {
	if m.phase() != domain.PhaseCreated {
		return driveReply{err: domain.ErrInvalidPhaseForInput}
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	if err := m.client.Connect(ctx); err != nil {
		return driveReply{err: fmt.Errorf("connect: %w", err)}
	}

	challenge, err := m.client.BeginQRLogin(ctx, func(result domain.AuthResult, err error) {
		select {
		case m.qrResults <- qrOutcome{result: result, err: err}:
		case <-m.ctx.Done():
		}
	})
	if err != nil {
		return driveReply{err: err}
	}

	m.mu.Lock()
	m.record.Phase = domain.PhaseAwaitingChallenge
	m.record.SetMeta(domain.MetaFlow, "qr")
	m.record.SetAuthDeadline(challenge.ExpiresAt)
	m.record.CredentialRef = m.client.CredentialRef()
	m.record.Touch(time.Now())
	snap := m.record.Clone()
	m.mu.Unlock()
	m.persist(snap)

	m.armAuthDeadline(time.Until(challenge.ExpiresAt))
	m.logger.Info("QR challenge issued", "expires_at", challenge.ExpiresAt)

	return driveReply{result: DriveResult{Snapshot: snap, Challenge: challenge}}
}

func (m *machine) startPhone(phone string) driveReply {
	if m.phase() != domain.PhaseCreated {
		return driveReply{err: domain.ErrInvalidPhaseForInput}
	}
	if phone == "" {
		return driveReply{err: fmt.Errorf("phone number required")}
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	if err := m.client.Connect(ctx); err != nil {
		return driveReply{err: fmt.Errorf("connect: %w", err)}
	}

	req, err := m.client.BeginPhoneLogin(ctx, phone)
	if err != nil {
		return driveReply{err: err}
	}
	m.codeReq = req

	deadline := time.Now().Add(m.deps.cfg.AuthPendingTTL)
	m.mu.Lock()
	m.record.Phase = domain.PhaseAwaitingCode
	m.record.Phone = phone
	m.record.SetMeta(domain.MetaFlow, "phone")
	m.record.SetAuthDeadline(deadline)
	m.record.CredentialRef = m.client.CredentialRef()
	m.record.Touch(time.Now())
	snap := m.record.Clone()
	m.mu.Unlock()
	m.persist(snap)

	m.armAuthDeadline(time.Until(deadline))
	m.logger.Info("Login code requested", "phone", phone)

	return driveReply{result: DriveResult{Snapshot: snap}}
}

func (m *machine) submitCode(code string) driveReply {
	if m.phase() != domain.PhaseAwaitingCode || m.codeReq == nil {
		return driveReply{err: domain.ErrInvalidPhaseForInput}
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	result, err := m.client.SubmitCode(ctx, m.codeReq, code)
	if err != nil {
		return driveReply{err: err}
	}

	switch result.Kind {
	case domain.AuthAuthenticated:
		return m.completeAuth(result)
	case domain.AuthPasswordRequired:
		m.invalidTries = 0
		m.mu.Lock()
		m.record.Phase = domain.PhaseAwaitingPassword
		m.record.Touch(time.Now())
		snap := m.record.Clone()
		m.mu.Unlock()
		m.persist(snap)
		m.logger.Info("Code accepted, password required")
		return driveReply{result: DriveResult{Snapshot: snap, PasswordRequired: true}}
	case domain.AuthInvalidCode:
		return m.invalidAttempt(domain.ErrInvalidCode)
	default:
		return driveReply{err: fmt.Errorf("unexpected auth result %d", result.Kind)}
	}
}

func (m *machine) submitPassword(password string) driveReply {
	if m.phase() != domain.PhaseAwaitingPassword {
		return driveReply{err: domain.ErrInvalidPhaseForInput}
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	result, err := m.client.SubmitPassword(ctx, password)
	if err != nil {
		return driveReply{err: err}
	}

	switch result.Kind {
	case domain.AuthAuthenticated:
		return m.completeAuth(result)
	case domain.AuthInvalidPassword:
		return m.invalidAttempt(domain.ErrInvalidPassword)
	default:
		return driveReply{err: fmt.Errorf("unexpected auth result %d", result.Kind)}
	}
}

// invalidAttempt burns one entry from the retry budget. The budget allows
// AuthRetryLimit wrong entries; the one after that expires the session.
func (m *machine) invalidAttempt(cause error) driveReply {
	m.invalidTries++
	if m.invalidTries > m.deps.cfg.AuthRetryLimit {
		m.logger.Warn("Auth retry budget exhausted", "tries", m.invalidTries)
		m.expire("retry_budget_exhausted")
		return driveReply{err: fmt.Errorf("retry budget exhausted: %w", cause)}
	}

	m.touch()
	m.persist(m.Snapshot())
	m.logger.Info("Invalid credential entry", "tries", m.invalidTries, "limit", m.deps.cfg.AuthRetryLimit)
	return driveReply{err: cause}
}

// completeAuth lands a successful login: record identity, clear the
// pending deadline and go active. The update subscription has been live
// since dial, so authenticated rolls straight into active.
func (m *machine) completeAuth(result domain.AuthResult) driveReply {
	m.invalidTries = 0
	m.codeReq = nil
	stopTimer(m.authTimer)

	m.mu.Lock()
	if result.Phone != "" {
		m.record.Phone = result.Phone
	}
	if result.UserID != 0 {
		m.record.UserID = result.UserID
	}
	delete(m.record.Metadata, domain.MetaAuthDeadline)
	m.record.Phase = domain.PhaseActive
	m.record.Touch(time.Now())
	snap := m.record.Clone()
	m.mu.Unlock()
	m.persist(snap)

	m.logger.Info("Session authenticated", "phone", snap.Phone, "user_id", snap.UserID)
	auth := result
	return driveReply{result: DriveResult{Snapshot: snap, Auth: &auth}}
}

func (m *machine) sendMessage(in domain.SendMessage) driveReply {
	if m.phase() != domain.PhaseActive {
		return driveReply{err: domain.ErrInvalidPhaseForInput}
	}
	if !m.client.Connected() {
		return driveReply{err: domain.ErrAdapterDisconnected}
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	receipt, err := m.client.SendMessage(ctx, in.ChatID, in.Text, in.ReplyTo)
	if err != nil {
		return driveReply{err: err}
	}

	m.touch()
	snap := m.Snapshot()
	m.persist(snap)
	return driveReply{result: DriveResult{Snapshot: snap, Receipt: receipt}}
}

// reconnectInput is the supervisor nudge. Legal on disconnected sessions
// and on active sessions whose adapter silently died.
func (m *machine) reconnectInput() driveReply {
	switch m.phase() {
	case domain.PhaseDisconnected:
	case domain.PhaseActive:
		if m.client.Connected() {
			// Idle but healthy; nothing to do.
			return driveReply{result: DriveResult{Snapshot: m.Snapshot()}}
		}
		m.toDisconnected("stale_connection")
	default:
		return driveReply{err: domain.ErrInvalidPhaseForInput}
	}

	stopTimer(m.reconnTimer)
	m.attemptReconnect()
	return driveReply{result: DriveResult{Snapshot: m.Snapshot()}}
}

func (m *machine) handleQROutcome(outcome qrOutcome) {
	if m.phase() != domain.PhaseAwaitingChallenge {
		return
	}

	if outcome.err != nil {
		m.logger.Info("QR challenge failed", "error", outcome.err)
		m.expire("qr_expired")
		return
	}

	switch outcome.result.Kind {
	case domain.AuthAuthenticated:
		m.completeAuth(outcome.result)
	case domain.AuthPasswordRequired:
		// The challenge window no longer applies; grant the password
		// entry its own pending window.
		deadline := time.Now().Add(m.deps.cfg.AuthPendingTTL)
		m.invalidTries = 0
		m.mu.Lock()
		m.record.Phase = domain.PhaseAwaitingPassword
		m.record.SetAuthDeadline(deadline)
		m.record.Touch(time.Now())
		snap := m.record.Clone()
		m.mu.Unlock()
		m.persist(snap)
		m.armAuthDeadline(time.Until(deadline))
		m.logger.Info("QR approved, password required")
	default:
		m.logger.Warn("Unexpected QR outcome", "kind", outcome.result.Kind)
	}
}

func (m *machine) handleConnLost(err error) {
	if m.phase() != domain.PhaseActive {
		return
	}
	m.logger.Warn("Connection lost", "error", err)
	m.toDisconnected("connection_lost")
	m.reconnectAttempt = 0
	m.armReconnect(shared.Delay(0, m.deps.cfg.ReconnectBackoffBase, m.deps.cfg.ReconnectBackoffCap))
}

func (m *machine) toDisconnected(reason string) {
	m.mu.Lock()
	m.record.Phase = domain.PhaseDisconnected
	m.record.Touch(time.Now())
	snap := m.record.Clone()
	m.mu.Unlock()
	m.persist(snap)

	m.emitLifecycle(domain.EventConnectionLost, map[string]string{"reason": reason})
}

func (m *machine) handleAuthDeadline() {
	if !m.phase().Pending() {
		return
	}
	m.logger.Info("Authentication window elapsed, expiring session")
	m.expire("auth_timeout")
}

func (m *machine) attemptReconnect() {
	if m.phase() != domain.PhaseDisconnected {
		return
	}

	m.reconnectAttempt++
	m.logger.Info("Reconnecting", "attempt", m.reconnectAttempt, "max", m.deps.cfg.ReconnectMaxAttempts)

	err := m.reconnect()
	if err == nil {
		// Discard any loss signal left behind by the replaced client.
		select {
		case <-m.connLost:
		default:
		}

		m.reconnectAttempt = 0
		m.mu.Lock()
		m.record.Phase = domain.PhaseActive
		m.record.Touch(time.Now())
		snap := m.record.Clone()
		m.mu.Unlock()
		m.persist(snap)

		m.emitLifecycle(domain.EventConnectionRestored, nil)
		m.logger.Info("Connection restored")
		return
	}

	if errors.Is(err, errAuthorizationRevoked) {
		m.logger.Warn("Stored authorization no longer valid")
		m.expire("authorization_revoked")
		return
	}

	m.logger.Warn("Reconnect attempt failed", "attempt", m.reconnectAttempt, "error", err)
	if m.reconnectAttempt >= m.deps.cfg.ReconnectMaxAttempts {
		m.logger.Error("Reconnect budget exhausted, expiring session")
		m.expire("reconnect_exhausted")
		return
	}
	m.armReconnect(shared.Delay(m.reconnectAttempt, m.deps.cfg.ReconnectBackoffBase, m.deps.cfg.ReconnectBackoffCap))
}

// reconnect dials a fresh client and verifies the stored authorization
// still holds. The previous connection is dead either way.
func (m *machine) reconnect() error {
	ctx, cancel := m.opCtx()
	defer cancel()

	snap := m.Snapshot()
	client := m.deps.dialer.Dial(snap.SessionID, snap.AgentID)
	m.wire(client)

	if err := client.Connect(ctx); err != nil {
		return err
	}
	authorized, err := client.Authorized(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return err
	}
	if !authorized {
		_ = client.Disconnect(ctx)
		return errAuthorizationRevoked
	}

	m.client = client
	return nil
}

// expire is the single terminal transition: tear the adapter down, log
// out, purge credentials, persist and announce.
func (m *machine) expire(reason string) {
	m.mu.Lock()
	if m.record.Phase == domain.PhaseExpired {
		m.mu.Unlock()
		return
	}
	m.record.Phase = domain.PhaseExpired
	m.record.SetMeta(domain.MetaExpireReason, reason)
	delete(m.record.Metadata, domain.MetaAuthDeadline)
	m.record.Touch(time.Now())
	snap := m.record.Clone()
	m.mu.Unlock()

	stopTimer(m.authTimer)
	stopTimer(m.reconnTimer)
	m.cancel()

	// Free the agent slot right away: teardown can take seconds and the
	// agent may open a replacement session immediately after a close.
	if m.deps.releaseAgent != nil {
		m.deps.releaseAgent(snap.SessionID, snap.AgentID)
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.Logout(teardownCtx); err != nil {
		m.logger.Warn("Logout during teardown failed", "error", err)
	}

	m.persist(snap)
	m.emitLifecycle(domain.EventSessionExpired, map[string]string{"reason": reason})
	m.logger.Info("Session expired", "reason", reason)
}

// shutdown handles process exit: persist the current phase and close the
// connection, but do NOT expire. Restart recovery resumes from here.
func (m *machine) shutdown() {
	snap := m.Snapshot()
	if !snap.Phase.Terminal() {
		m.persist(snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil {
		m.logger.Warn("Disconnect during shutdown failed", "error", err)
	}
	m.logger.Info("Session machine stopped", "phase", snap.Phase)
}

// wire connects adapter callbacks to the machine. A received event
// counts as session activity.
func (m *machine) wire(client telegram.Client) {
	client.Subscribe(func(event domain.InboundEvent) {
		m.touch()
		if m.deps.queue != nil {
			m.deps.queue.Enqueue(event)
		}
	})
	client.OnDisconnect(func(err error) {
		select {
		case m.connLost <- err:
		default:
			// A loss signal is already pending; one is enough.
		}
	})
}

func (m *machine) emitLifecycle(eventType domain.EventType, metadata map[string]string) {
	if m.deps.queue == nil {
		return
	}
	snap := m.Snapshot()
	m.deps.queue.Enqueue(domain.InboundEvent{
		EventID:    uuid.NewString(),
		SessionID:  snap.SessionID,
		AgentID:    snap.AgentID,
		Type:       eventType,
		Metadata:   metadata,
		ReceivedAt: time.Now(),
	})
}

// persist writes the snapshot through best-effort. In-memory state is
// authoritative; a storage hiccup must not roll a transition back.
func (m *machine) persist(snap *domain.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.repo.Put(ctx, snap); err != nil {
		m.logger.Warn("Persisting session state failed", "phase", snap.Phase, "error", err)
	}
}

// opCtx bounds one adapter call and dies with the machine.
func (m *machine) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, 30*time.Second)
}

func (m *machine) armAuthDeadline(d time.Duration) {
	stopTimer(m.authTimer)
	if d <= 0 {
		d = time.Millisecond
	}
	m.authTimer.Reset(d)
}

func (m *machine) armReconnect(d time.Duration) {
	stopTimer(m.reconnTimer)
	if d <= 0 {
		d = time.Millisecond
	}
	m.reconnTimer.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
