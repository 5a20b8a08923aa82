package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/telegram"
)

const (
	testGoodCode     = "13579"
	testTwoFACode    = "24680"
	testGoodPassword = "hunter2"
)

// fakeClient scripts one protocol connection. The default script accepts
// testGoodCode, demands a password for testTwoFACode and rejects
// everything else.
type fakeClient struct {
	mu sync.Mutex

	connected  bool
	connectErr error
	authorized bool
	credential string

	challenge  *domain.QRChallenge
	onQRResult func(domain.AuthResult, error)

	handler      func(domain.InboundEvent)
	onDisconnect func(error)

	disconnects int
	loggedOut   bool
	phoneLogins []string
	sentTexts   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{authorized: true, credential: "/tmp/fake.session"}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Authorized(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized, nil
}

func (c *fakeClient) BeginQRLogin(ctx context.Context, onResult func(domain.AuthResult, error)) (*domain.QRChallenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQRResult = onResult
	if c.challenge != nil {
		return c.challenge, nil
	}
	return &domain.QRChallenge{
		TokenURL:  "tg://login?token=fake",
		ImagePNG:  []byte{0x89, 0x50, 0x4e, 0x47},
		ExpiresAt: time.Now().Add(time.Minute),
	}, nil
}

func (c *fakeClient) BeginPhoneLogin(ctx context.Context, phone string) (*telegram.CodeRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phoneLogins = append(c.phoneLogins, phone)
	return &telegram.CodeRequest{Phone: phone, PhoneCodeHash: "hash"}, nil
}

func (c *fakeClient) SubmitCode(ctx context.Context, req *telegram.CodeRequest, code string) (domain.AuthResult, error) {
	switch code {
	case testGoodCode:
		return domain.AuthResult{Kind: domain.AuthAuthenticated, Phone: req.Phone, UserID: 777}, nil
	case testTwoFACode:
		return domain.AuthResult{Kind: domain.AuthPasswordRequired}, nil
	default:
		return domain.AuthResult{Kind: domain.AuthInvalidCode}, nil
	}
}

func (c *fakeClient) SubmitPassword(ctx context.Context, password string) (domain.AuthResult, error) {
	if password == testGoodPassword {
		return domain.AuthResult{Kind: domain.AuthAuthenticated, Phone: "+15550100", UserID: 777}, nil
	}
	return domain.AuthResult{Kind: domain.AuthInvalidPassword}, nil
}

func (c *fakeClient) SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (*domain.SentReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTexts = append(c.sentTexts, text)
	return &domain.SentReceipt{MessageID: 42, SentAt: time.Now()}, nil
}

func (c *fakeClient) Subscribe(fn func(domain.InboundEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *fakeClient) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) CredentialRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.loggedOut = true
	return nil
}

func (c *fakeClient) fireQR(result domain.AuthResult, err error) {
	c.mu.Lock()
	fn := c.onQRResult
	c.mu.Unlock()
	if fn != nil {
		fn(result, err)
	}
}

func (c *fakeClient) fireDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *fakeClient) emit(event domain.InboundEvent) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

func (c *fakeClient) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

type fakeDialer struct {
	mu      sync.Mutex
	factory func(sessionID string, agentID int64) *fakeClient
	dialed  []*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{factory: func(string, int64) *fakeClient { return newFakeClient() }}
}

func (d *fakeDialer) Dial(sessionID string, agentID int64) telegram.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.factory(sessionID, agentID)
	d.dialed = append(d.dialed, c)
	return c
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialed) == 0 {
		return nil
	}
	return d.dialed[len(d.dialed)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*domain.SessionRecord
	purges  []time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*domain.SessionRecord)}
}

func (r *fakeRepo) Put(ctx context.Context, record *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.SessionID] = record.Clone()
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record.Clone(), nil
}

func (r *fakeRepo) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SessionRecord
	for _, record := range r.records {
		if record.Phase != domain.PhaseExpired {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
	return nil
}

func (r *fakeRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purges = append(r.purges, cutoff)
	var removed int64
	for id, record := range r.records {
		if record.Phase == domain.PhaseExpired && record.LastActivityAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed, nil
}

func (r *fakeRepo) SaveEvent(ctx context.Context, event *domain.InboundEvent) error { return nil }

func (r *fakeRepo) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*domain.InboundEvent, error) {
	return nil, nil
}

func (r *fakeRepo) ListMessages(ctx context.Context, sessionID string, chatID int64, limit, offset int) ([]*domain.InboundEvent, error) {
	return nil, nil
}

func (r *fakeRepo) AgentStats(ctx context.Context, agentID int64) (*domain.AgentStats, error) {
	return &domain.AgentStats{AgentID: agentID}, nil
}

func (r *fakeRepo) Ping(ctx context.Context) error { return nil }
func (r *fakeRepo) Close() error                   { return nil }

func (r *fakeRepo) phaseOf(sessionID string) domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[sessionID]
	if !ok {
		return ""
	}
	return record.Phase
}

func (r *fakeRepo) purgeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.purges)
}

type fakeQueue struct {
	mu     sync.Mutex
	events []domain.InboundEvent
}

func (q *fakeQueue) Enqueue(event domain.InboundEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
}

func (q *fakeQueue) types() []domain.EventType {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.EventType, 0, len(q.events))
	for _, e := range q.events {
		out = append(out, e.Type)
	}
	return out
}

func (q *fakeQueue) has(eventType domain.EventType) bool {
	for _, t := range q.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		MaxSessions:          4,
		AuthRetryLimit:       3,
		AuthPendingTTL:       time.Minute,
		ReconnectMaxAttempts: 3,
		ReconnectBackoffBase: 5 * time.Millisecond,
		ReconnectBackoffCap:  20 * time.Millisecond,
	}
}

type testEnv struct {
	registry *Registry
	dialer   *fakeDialer
	repo     *fakeRepo
	queue    *fakeQueue
}

func newTestEnv(t *testing.T, cfg config.SessionConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer: newFakeDialer(),
		repo:   newFakeRepo(),
		queue:  &fakeQueue{},
	}
	env.registry = NewRegistry(env.dialer, env.repo, env.queue, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env.registry.Shutdown(ctx)
	})
	return env
}

// openActive opens a session and walks it through the phone flow to
// active.
func (env *testEnv) openActive(t *testing.T, agentID int64) string {
	t.Helper()
	ctx := context.Background()

	snap, err := env.registry.Open(ctx, agentID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := env.registry.Drive(ctx, snap.SessionID, domain.StartPhone{Phone: "+15550100"}); err != nil {
		t.Fatalf("StartPhone failed: %v", err)
	}
	result, err := env.registry.Drive(ctx, snap.SessionID, domain.SubmitCode{Code: testGoodCode})
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if result.Snapshot.Phase != domain.PhaseActive {
		t.Fatalf("Expected phase active, got %s", result.Snapshot.Phase)
	}
	return snap.SessionID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestOpenCreatesSession(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, err := env.registry.Open(ctx, 7)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if snap.SessionID == "" {
		t.Fatal("Expected a session ID")
	}
	if snap.Phase != domain.PhaseCreated {
		t.Fatalf("Expected phase created, got %s", snap.Phase)
	}
	if snap.AgentID != 7 {
		t.Fatalf("Expected agent 7, got %d", snap.AgentID)
	}
	if got := env.registry.ActiveCount(); got != 1 {
		t.Fatalf("Expected 1 active session, got %d", got)
	}
	if env.repo.phaseOf(snap.SessionID) != domain.PhaseCreated {
		t.Fatal("Expected new session persisted as created")
	}
}

func TestOpenRejectsDuplicateAgent(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	if _, err := env.registry.Open(ctx, 7); err != nil {
		t.Fatalf("First Open failed: %v", err)
	}
	_, err := env.registry.Open(ctx, 7)
	if !errors.Is(err, domain.ErrAgentAlreadyConnected) {
		t.Fatalf("Expected ErrAgentAlreadyConnected, got %v", err)
	}
}

func TestOpenEnforcesCapacity(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxSessions = 1
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	if _, err := env.registry.Open(ctx, 1); err != nil {
		t.Fatalf("First Open failed: %v", err)
	}
	_, err := env.registry.Open(ctx, 2)
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
}

func TestPhoneLoginFlow(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, err := env.registry.Open(ctx, 7)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	result, err := env.registry.Drive(ctx, snap.SessionID, domain.StartPhone{Phone: "+15550100"})
	if err != nil {
		t.Fatalf("StartPhone failed: %v", err)
	}
	if result.Snapshot.Phase != domain.PhaseAwaitingCode {
		t.Fatalf("Expected phase awaiting_code, got %s", result.Snapshot.Phase)
	}
	if result.Snapshot.Phone != "+15550100" {
		t.Fatalf("Expected phone recorded, got %q", result.Snapshot.Phone)
	}
	if _, ok := result.Snapshot.AuthDeadline(); !ok {
		t.Fatal("Expected an auth deadline on the pending session")
	}

	result, err = env.registry.Drive(ctx, snap.SessionID, domain.SubmitCode{Code: testGoodCode})
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if result.Snapshot.Phase != domain.PhaseActive {
		t.Fatalf("Expected phase active, got %s", result.Snapshot.Phase)
	}
	if result.Auth == nil || result.Auth.UserID != 777 {
		t.Fatalf("Expected auth identity in result, got %+v", result.Auth)
	}
	if _, ok := result.Snapshot.AuthDeadline(); ok {
		t.Fatal("Expected auth deadline cleared after login")
	}
	if env.repo.phaseOf(snap.SessionID) != domain.PhaseActive {
		t.Fatal("Expected active phase persisted")
	}
}

func TestPhoneLoginTwoFactor(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	if _, err := env.registry.Drive(ctx, snap.SessionID, domain.StartPhone{Phone: "+15550100"}); err != nil {
		t.Fatalf("StartPhone failed: %v", err)
	}

	result, err := env.registry.Drive(ctx, snap.SessionID, domain.SubmitCode{Code: testTwoFACode})
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if !result.PasswordRequired {
		t.Fatal("Expected password required")
	}
	if result.Snapshot.Phase != domain.PhaseAwaitingPassword {
		t.Fatalf("Expected phase awaiting_password, got %s", result.Snapshot.Phase)
	}

	result, err = env.registry.Drive(ctx, snap.SessionID, domain.SubmitPassword{Password: testGoodPassword})
	if err != nil {
		t.Fatalf("SubmitPassword failed: %v", err)
	}
	if result.Snapshot.Phase != domain.PhaseActive {
		t.Fatalf("Expected phase active, got %s", result.Snapshot.Phase)
	}
}

func TestInvalidCodeRetryBudget(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	if _, err := env.registry.Drive(ctx, snap.SessionID, domain.StartPhone{Phone: "+15550100"}); err != nil {
		t.Fatalf("StartPhone failed: %v", err)
	}

	// Three wrong codes stay within the budget.
	for i := 0; i < 3; i++ {
		_, err := env.registry.Drive(ctx, snap.SessionID, domain.SubmitCode{Code: "00000"})
		if !errors.Is(err, domain.ErrInvalidCode) {
			t.Fatalf("Attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}
		got, err := env.registry.Get(ctx, snap.SessionID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Phase != domain.PhaseAwaitingCode {
			t.Fatalf("Attempt %d: expected phase awaiting_code, got %s", i+1, got.Phase)
		}
	}

	// The fourth burns the session.
	_, err := env.registry.Drive(ctx, snap.SessionID, domain.SubmitCode{Code: "00000"})
	if !errors.Is(err, domain.ErrInvalidCode) {
		t.Fatalf("Expected ErrInvalidCode, got %v", err)
	}
	waitFor(t, "session release", func() bool { return env.registry.ActiveCount() == 0 })
	if env.repo.phaseOf(snap.SessionID) != domain.PhaseExpired {
		t.Fatal("Expected expired phase persisted")
	}
	if !env.dialer.last().wasLoggedOut() {
		t.Fatal("Expected credentials purged on expiry")
	}
	if !env.queue.has(domain.EventSessionExpired) {
		t.Fatal("Expected a session_expired event")
	}
}

func TestQRLoginFlow(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	result, err := env.registry.Drive(ctx, snap.SessionID, domain.StartQR{})
	if err != nil {
		t.Fatalf("StartQR failed: %v", err)
	}
	if result.Challenge == nil || len(result.Challenge.ImagePNG) == 0 {
		t.Fatal("Expected a rendered QR challenge")
	}
	if result.Snapshot.Phase != domain.PhaseAwaitingChallenge {
		t.Fatalf("Expected phase awaiting_challenge, got %s", result.Snapshot.Phase)
	}

	env.dialer.last().fireQR(domain.AuthResult{Kind: domain.AuthAuthenticated, Phone: "+15550100", UserID: 777}, nil)

	waitFor(t, "active phase", func() bool {
		got, err := env.registry.Get(ctx, snap.SessionID)
		return err == nil && got.Phase == domain.PhaseActive
	})
	got, _ := env.registry.Get(ctx, snap.SessionID)
	if got.UserID != 777 {
		t.Fatalf("Expected user ID recorded, got %d", got.UserID)
	}
}

func TestQRLoginPasswordRequired(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	if _, err := env.registry.Drive(ctx, snap.SessionID, domain.StartQR{}); err != nil {
		t.Fatalf("StartQR failed: %v", err)
	}

	env.dialer.last().fireQR(domain.AuthResult{Kind: domain.AuthPasswordRequired}, nil)

	waitFor(t, "awaiting_password phase", func() bool {
		got, err := env.registry.Get(ctx, snap.SessionID)
		return err == nil && got.Phase == domain.PhaseAwaitingPassword
	})

	result, err := env.registry.Drive(ctx, snap.SessionID, domain.SubmitPassword{Password: testGoodPassword})
	if err != nil {
		t.Fatalf("SubmitPassword failed: %v", err)
	}
	if result.Snapshot.Phase != domain.PhaseActive {
		t.Fatalf("Expected phase active, got %s", result.Snapshot.Phase)
	}
}

func TestQRChallengeFailureExpires(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	if _, err := env.registry.Drive(ctx, snap.SessionID, domain.StartQR{}); err != nil {
		t.Fatalf("StartQR failed: %v", err)
	}

	env.dialer.last().fireQR(domain.AuthResult{}, fmt.Errorf("qr challenge expired"))

	waitFor(t, "session release", func() bool { return env.registry.ActiveCount() == 0 })
	if env.repo.phaseOf(snap.SessionID) != domain.PhaseExpired {
		t.Fatal("Expected expired phase persisted")
	}
}

func TestSubmitCodeWrongPhase(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	_, err := env.registry.Drive(ctx, snap.SessionID, domain.SubmitCode{Code: testGoodCode})
	if !errors.Is(err, domain.ErrInvalidPhaseForInput) {
		t.Fatalf("Expected ErrInvalidPhaseForInput, got %v", err)
	}
}

func TestDriveUnknownSession(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	_, err := env.registry.Drive(context.Background(), "missing", domain.StartQR{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestCloseExpiresAndReleases(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	sessionID := env.openActive(t, 7)
	if err := env.registry.Close(ctx, sessionID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	waitFor(t, "session release", func() bool { return env.registry.ActiveCount() == 0 })
	if env.repo.phaseOf(sessionID) != domain.PhaseExpired {
		t.Fatal("Expected expired phase persisted")
	}
	if !env.dialer.last().wasLoggedOut() {
		t.Fatal("Expected logout on close")
	}
	if !env.queue.has(domain.EventSessionExpired) {
		t.Fatal("Expected a session_expired event")
	}

	// The agent slot is free again.
	if _, err := env.registry.Open(ctx, 7); err != nil {
		t.Fatalf("Reopen after close failed: %v", err)
	}

	// Closing an already-expired session is a no-op.
	if err := env.registry.Close(ctx, sessionID); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}

func TestReopenImmediatelyAfterClose(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	sessionID := env.openActive(t, 7)
	if err := env.registry.Close(ctx, sessionID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The agent slot must be free the moment Close returns, even though
	// the old machine may still be tearing down.
	snap, err := env.registry.Open(ctx, 7)
	if err != nil {
		t.Fatalf("Reopen after close failed: %v", err)
	}
	if snap.SessionID == sessionID {
		t.Fatal("Expected a fresh session ID")
	}

	// The old machine's exit must not evict the replacement session.
	waitFor(t, "old machine release", func() bool { return env.registry.ActiveCount() == 1 })
	got, err := env.registry.Get(ctx, snap.SessionID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Phase != domain.PhaseCreated {
		t.Fatalf("Expected phase created, got %s", got.Phase)
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	sessionID := env.openActive(t, 7)
	result, err := env.registry.Drive(ctx, sessionID, domain.SendMessage{ChatID: 123, Text: "hello"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if result.Receipt == nil || result.Receipt.MessageID != 42 {
		t.Fatalf("Expected receipt with message ID 42, got %+v", result.Receipt)
	}
}

func TestSendMessageRequiresActive(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	_, err := env.registry.Drive(ctx, snap.SessionID, domain.SendMessage{ChatID: 123, Text: "hello"})
	if !errors.Is(err, domain.ErrInvalidPhaseForInput) {
		t.Fatalf("Expected ErrInvalidPhaseForInput, got %v", err)
	}
}

func TestInboundEventsFlowToQueue(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	sessionID := env.openActive(t, 7)
	before, _ := env.registry.Get(context.Background(), sessionID)

	time.Sleep(10 * time.Millisecond)
	env.dialer.last().emit(domain.InboundEvent{
		EventID:   "123:456",
		SessionID: sessionID,
		AgentID:   7,
		Type:      domain.EventNewMessage,
	})

	waitFor(t, "event in queue", func() bool { return env.queue.has(domain.EventNewMessage) })

	after, _ := env.registry.Get(context.Background(), sessionID)
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatal("Expected inbound event to refresh activity")
	}
}

func TestConnectionLossAndReconnect(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	sessionID := env.openActive(t, 7)
	env.dialer.last().fireDisconnect(fmt.Errorf("network gone"))

	waitFor(t, "reconnected session", func() bool {
		got, err := env.registry.Get(ctx, sessionID)
		return err == nil && got.Phase == domain.PhaseActive && env.dialer.count() == 2
	})

	if !env.queue.has(domain.EventConnectionLost) {
		t.Fatal("Expected a connection_lost event")
	}
	if !env.queue.has(domain.EventConnectionRestored) {
		t.Fatal("Expected a connection_restored event")
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	// Every replacement connection fails.
	first := true
	env.dialer.factory = func(string, int64) *fakeClient {
		c := newFakeClient()
		if !first {
			c.connectErr = fmt.Errorf("dc unreachable")
		}
		first = false
		return c
	}

	sessionID := env.openActive(t, 7)
	env.dialer.last().fireDisconnect(fmt.Errorf("network gone"))

	waitFor(t, "session expiry", func() bool { return env.registry.ActiveCount() == 0 })
	if env.repo.phaseOf(sessionID) != domain.PhaseExpired {
		t.Fatal("Expected expired phase persisted")
	}
	if !env.queue.has(domain.EventSessionExpired) {
		t.Fatal("Expected a session_expired event")
	}
	// Initial dial plus one per reconnect attempt.
	if got := env.dialer.count(); got != 4 {
		t.Fatalf("Expected 4 dials, got %d", got)
	}
	got, err := env.registry.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get after expiry failed: %v", err)
	}
	if got.Metadata[domain.MetaExpireReason] != "reconnect_exhausted" {
		t.Fatalf("Expected reconnect_exhausted reason, got %q", got.Metadata[domain.MetaExpireReason])
	}
}

func TestReconnectStopsWhenAuthorizationRevoked(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())

	first := true
	env.dialer.factory = func(string, int64) *fakeClient {
		c := newFakeClient()
		if !first {
			c.authorized = false
		}
		first = false
		return c
	}

	sessionID := env.openActive(t, 7)
	env.dialer.last().fireDisconnect(fmt.Errorf("network gone"))

	waitFor(t, "session expiry", func() bool { return env.registry.ActiveCount() == 0 })
	if env.repo.phaseOf(sessionID) != domain.PhaseExpired {
		t.Fatal("Expected expired phase persisted")
	}
	// One initial dial plus a single reconnect attempt; revoked
	// authorization must not be retried.
	if got := env.dialer.count(); got != 2 {
		t.Fatalf("Expected 2 dials, got %d", got)
	}
}

func TestAuthDeadlineExpiry(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AuthPendingTTL = 40 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	snap, _ := env.registry.Open(ctx, 7)
	if _, err := env.registry.Drive(ctx, snap.SessionID, domain.StartPhone{Phone: "+15550100"}); err != nil {
		t.Fatalf("StartPhone failed: %v", err)
	}

	waitFor(t, "deadline expiry", func() bool { return env.registry.ActiveCount() == 0 })
	got, err := env.registry.Get(ctx, snap.SessionID)
	if err != nil {
		t.Fatalf("Get after expiry failed: %v", err)
	}
	if got.Metadata[domain.MetaExpireReason] != "auth_timeout" {
		t.Fatalf("Expected auth_timeout reason, got %q", got.Metadata[domain.MetaExpireReason])
	}
}

func TestGetFallsBackToStore(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	stored := &domain.SessionRecord{
		SessionID:      "stored-1",
		AgentID:        9,
		Phase:          domain.PhaseExpired,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := env.repo.Put(ctx, stored); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := env.registry.Get(ctx, "stored-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != domain.PhaseExpired {
		t.Fatalf("Expected expired phase from store, got %s", got.Phase)
	}

	if _, err := env.registry.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestDriveStoredSessionRejected(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	stored := &domain.SessionRecord{
		SessionID:      "stored-1",
		AgentID:        9,
		Phase:          domain.PhaseExpired,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := env.repo.Put(ctx, stored); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := env.registry.Drive(ctx, "stored-1", domain.SubmitCode{Code: testGoodCode})
	if !errors.Is(err, domain.ErrInvalidPhaseForInput) {
		t.Fatalf("Expected ErrInvalidPhaseForInput, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	credFile := filepath.Join(t.TempDir(), "mid-auth.session")
	if err := os.WriteFile(credFile, []byte("partial"), 0o600); err != nil {
		t.Fatalf("Writing credential file failed: %v", err)
	}

	now := time.Now()
	records := []*domain.SessionRecord{
		{SessionID: "s-active", AgentID: 1, Phase: domain.PhaseActive, CreatedAt: now, LastActivityAt: now},
		{SessionID: "s-midauth", AgentID: 2, Phase: domain.PhaseAwaitingCode, CredentialRef: credFile, CreatedAt: now, LastActivityAt: now},
		{SessionID: "s-expired", AgentID: 3, Phase: domain.PhaseExpired, CreatedAt: now, LastActivityAt: now},
	}
	for _, record := range records {
		if err := env.repo.Put(ctx, record); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if err := env.registry.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if got := env.registry.ActiveCount(); got != 1 {
		t.Fatalf("Expected 1 restored machine, got %d", got)
	}

	// The restored session reconnects and comes back active.
	waitFor(t, "restored session active", func() bool {
		got, err := env.registry.Get(ctx, "s-active")
		return err == nil && got.Phase == domain.PhaseActive
	})
	if !env.queue.has(domain.EventConnectionRestored) {
		t.Fatal("Expected a connection_restored event")
	}

	// Mid-auth state cannot survive a restart.
	if env.repo.phaseOf("s-midauth") != domain.PhaseExpired {
		t.Fatal("Expected mid-auth session marked expired")
	}
	if _, err := os.Stat(credFile); !os.IsNotExist(err) {
		t.Fatal("Expected stale credential file removed")
	}
}

func TestShutdownKeepsSessions(t *testing.T) {
	dialer := newFakeDialer()
	repo := newFakeRepo()
	queue := &fakeQueue{}
	registry := NewRegistry(dialer, repo, queue, testSessionConfig())

	env := &testEnv{registry: registry, dialer: dialer, repo: repo, queue: queue}
	sessionID := env.openActive(t, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	registry.Shutdown(ctx)

	// Shutdown is not a close: the phase survives and nothing is purged.
	if repo.phaseOf(sessionID) != domain.PhaseActive {
		t.Fatalf("Expected active phase persisted, got %s", repo.phaseOf(sessionID))
	}
	if dialer.last().wasLoggedOut() {
		t.Fatal("Expected credentials kept across shutdown")
	}
	if queue.has(domain.EventSessionExpired) {
		t.Fatal("Expected no session_expired event on shutdown")
	}
}

func TestProbeRefreshesActivity(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	ctx := context.Background()

	sessionID := env.openActive(t, 7)
	before, _ := env.registry.Get(ctx, sessionID)

	time.Sleep(10 * time.Millisecond)
	after, err := env.registry.Probe(ctx, sessionID)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatal("Expected probe to refresh activity")
	}
}
