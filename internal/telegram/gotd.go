package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gotd/td/session"
	tgclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/avaliev/tgbridge/internal/domain"
)

// Config holds the MTProto application credentials and session storage
// layout shared by all dialed clients.
type Config struct {
	APIID      int
	APIHash    string
	SessionDir string
	QRExpiry   time.Duration
}

type gotdDialer struct {
	cfg Config
}

// NewDialer creates a Dialer producing one MTProto client per session.
// Credential files are laid out as <SessionDir>/<sessionID>.session.
func NewDialer(cfg Config) (Dialer, error) {
	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if cfg.QRExpiry <= 0 {
		cfg.QRExpiry = 300 * time.Second
	}
	return &gotdDialer{cfg: cfg}, nil
}

func (d *gotdDialer) Dial(sessionID string, agentID int64) Client {
	c := &gotdClient{
		sessionID:      sessionID,
		agentID:        agentID,
		qrExpiry:       d.cfg.QRExpiry,
		credentialPath: filepath.Join(d.cfg.SessionDir, sessionID+".session"),
		peers:          newPeerCache(),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.handleNewMessage)
	dispatcher.OnNewChannelMessage(c.handleNewChannelMessage)
	dispatcher.OnEditMessage(c.handleEditMessage)
	dispatcher.OnEditChannelMessage(c.handleEditChannelMessage)
	c.loggedIn = qrlogin.OnLoginToken(dispatcher)

	c.client = tgclient.NewClient(d.cfg.APIID, d.cfg.APIHash, tgclient.Options{
		SessionStorage: &session.FileStorage{Path: c.credentialPath},
		UpdateHandler:  dispatcher,
	})
	c.api = c.client.API()
	c.sender = message.NewSender(c.api)

	return c
}

// gotdClient is the gotd-backed Client. The underlying connection runs in
// a background goroutine started by Connect and stopped by Disconnect.
type gotdClient struct {
	sessionID      string
	agentID        int64
	qrExpiry       time.Duration
	credentialPath string

	client   *tgclient.Client
	api      *tg.Client
	sender   *message.Sender
	loggedIn qrlogin.LoggedIn
	peers    *peerCache

	mu        sync.Mutex
	connected bool
	closing   bool
	stop      context.CancelFunc
	done      chan struct{}

	subMu        sync.Mutex
	handler      func(domain.InboundEvent)
	onDisconnect func(error)
}

// Connect runs the client in the background and waits until the
// connection is usable.
func (c *gotdClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	errC := make(chan error, 1)

	go func() {
		defer close(done)
		err := c.client.Run(runCtx, func(cbCtx context.Context) error {
			close(ready)
			<-cbCtx.Done()
			return cbCtx.Err()
		})
		select {
		case <-ready:
			c.markDisconnected(err)
		default:
			errC <- err
		}
	}()

	select {
	case <-ready:
		c.mu.Lock()
		c.connected = true
		c.closing = false
		c.stop = cancel
		c.done = done
		c.mu.Unlock()

		select {
		case <-done:
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return fmt.Errorf("telegram connection dropped during startup")
		default:
			return nil
		}
	case err := <-errC:
		cancel()
		return fmt.Errorf("run telegram client: %w", err)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// markDisconnected records the connection loss and notifies the
// subscriber unless the close was requested locally.
func (c *gotdClient) markDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	intentional := c.closing
	c.connected = false
	c.closing = false
	c.mu.Unlock()

	if !wasConnected || intentional {
		return
	}

	slog.Warn("Telegram connection lost", "session_id", c.sessionID, "error", err)
	c.subMu.Lock()
	fn := c.onDisconnect
	c.subMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Connected reports whether the protocol connection is up.
func (c *gotdClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CredentialRef is the path of the stored credential file.
func (c *gotdClient) CredentialRef() string {
	return c.credentialPath
}

// Authorized reports whether stored credentials carry a live authorization.
func (c *gotdClient) Authorized(ctx context.Context) (bool, error) {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("auth status: %w", err)
	}
	return status.Authorized, nil
}

// BeginPhoneLogin requests a login code for phone.
func (c *gotdClient) BeginPhoneLogin(ctx context.Context, phone string) (*CodeRequest, error) {
	sent, err := c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return nil, wrapProtoErr("send code", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return nil, fmt.Errorf("unexpected sent code type %T", sent)
	}
	return &CodeRequest{Phone: phone, PhoneCodeHash: code.PhoneCodeHash}, nil
}

// SubmitCode completes a phone login with the received code.
func (c *gotdClient) SubmitCode(ctx context.Context, req *CodeRequest, code string) (domain.AuthResult, error) {
	_, err := c.client.Auth().SignIn(ctx, req.Phone, code, req.PhoneCodeHash)
	switch {
	case err == nil:
		return c.authenticated(ctx, req.Phone), nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded) || tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return domain.AuthResult{Kind: domain.AuthPasswordRequired, Phone: req.Phone}, nil
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY"):
		return domain.AuthResult{Kind: domain.AuthInvalidCode}, nil
	default:
		return domain.AuthResult{}, wrapProtoErr("sign in", err)
	}
}

// SubmitPassword completes a two-factor login.
func (c *gotdClient) SubmitPassword(ctx context.Context, password string) (domain.AuthResult, error) {
	_, err := c.client.Auth().Password(ctx, password)
	switch {
	case err == nil:
		return c.authenticated(ctx, ""), nil
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return domain.AuthResult{Kind: domain.AuthInvalidPassword}, nil
	default:
		return domain.AuthResult{}, wrapProtoErr("check password", err)
	}
}

// authenticated builds the success result, best-effort enriching it with
// the account identity.
func (c *gotdClient) authenticated(ctx context.Context, phone string) domain.AuthResult {
	result := domain.AuthResult{Kind: domain.AuthAuthenticated, Phone: phone}
	self, err := c.client.Self(ctx)
	if err != nil {
		slog.Warn("Fetching self after sign-in failed", "session_id", c.sessionID, "error", err)
		return result
	}
	result.UserID = self.ID
	if result.Phone == "" {
		result.Phone = self.Phone
	}
	return result
}

// BeginQRLogin starts a QR login flow. The QR loop runs until the
// challenge window closes; tokens rotate inside it without moving the
// expiry. onResult fires exactly once.
func (c *gotdClient) BeginQRLogin(ctx context.Context, onResult func(domain.AuthResult, error)) (*domain.QRChallenge, error) {
	expiresAt := time.Now().Add(c.qrExpiry)
	qrCtx, cancel := context.WithDeadline(context.Background(), expiresAt)

	tokenC := make(chan qrlogin.Token, 1)
	go func() {
		defer cancel()
		_, err := c.client.QR().Auth(qrCtx, c.loggedIn, func(_ context.Context, token qrlogin.Token) error {
			select {
			case tokenC <- token:
			default:
			}
			return nil
		})
		switch {
		case err == nil:
			selfCtx, selfCancel := context.WithTimeout(context.Background(), 10*time.Second)
			result := c.authenticated(selfCtx, "")
			selfCancel()
			onResult(result, nil)
		case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
			onResult(domain.AuthResult{Kind: domain.AuthPasswordRequired}, nil)
		case qrCtx.Err() != nil:
			onResult(domain.AuthResult{}, fmt.Errorf("qr challenge expired: %w", qrCtx.Err()))
		default:
			onResult(domain.AuthResult{}, wrapProtoErr("qr auth", err))
		}
	}()

	select {
	case token := <-tokenC:
		png, err := qrcode.Encode(token.URL(), qrcode.Medium, 256)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("render qr code: %w", err)
		}
		return &domain.QRChallenge{TokenURL: token.URL(), ImagePNG: png, ExpiresAt: expiresAt}, nil
	case <-qrCtx.Done():
		return nil, fmt.Errorf("qr login: %w", qrCtx.Err())
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// SendMessage sends text to a chat known to the peer cache.
func (c *gotdClient) SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (*domain.SentReceipt, error) {
	peer, ok := c.peers.lookup(chatID)
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", chatID, domain.ErrUnknownPeer)
	}

	var (
		id  int
		err error
	)
	if replyTo > 0 {
		id, err = unpack.MessageID(c.sender.To(peer).Reply(replyTo).Text(ctx, text))
	} else {
		id, err = unpack.MessageID(c.sender.To(peer).Text(ctx, text))
	}
	if err != nil {
		return nil, wrapProtoErr("send message", err)
	}
	return &domain.SentReceipt{MessageID: id, SentAt: time.Now()}, nil
}

// Subscribe registers the inbound event handler.
func (c *gotdClient) Subscribe(fn func(domain.InboundEvent)) {
	c.subMu.Lock()
	c.handler = fn
	c.subMu.Unlock()
}

// OnDisconnect registers the connection-loss callback.
func (c *gotdClient) OnDisconnect(fn func(error)) {
	c.subMu.Lock()
	c.onDisconnect = fn
	c.subMu.Unlock()
}

// Disconnect closes the connection but keeps credentials.
func (c *gotdClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	stop := c.stop
	done := c.done
	c.mu.Unlock()

	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout terminates the authorization server-side, disconnects and purges
// the credential file. The RPC is best effort; the file removal is not.
func (c *gotdClient) Logout(ctx context.Context) error {
	if c.Connected() {
		if _, err := c.api.AuthLogOut(ctx); err != nil {
			slog.Warn("Telegram logout call failed", "session_id", c.sessionID, "error", err)
		}
	}
	if err := c.Disconnect(ctx); err != nil {
		return err
	}
	if err := os.Remove(c.credentialPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

func (c *gotdClient) handleNewMessage(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	c.peers.absorb(e)
	c.emitMessage(domain.EventNewMessage, e, u.Message)
	return nil
}

func (c *gotdClient) handleNewChannelMessage(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	c.peers.absorb(e)
	c.emitMessage(domain.EventNewMessage, e, u.Message)
	return nil
}

func (c *gotdClient) handleEditMessage(_ context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	c.peers.absorb(e)
	c.emitMessage(domain.EventMessageEdited, e, u.Message)
	return nil
}

func (c *gotdClient) handleEditChannelMessage(_ context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	c.peers.absorb(e)
	c.emitMessage(domain.EventMessageEdited, e, u.Message)
	return nil
}

// emitMessage converts a raw update into an InboundEvent and hands it to
// the subscriber. Outgoing messages are skipped.
func (c *gotdClient) emitMessage(eventType domain.EventType, e tg.Entities, raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok || msg.Out {
		return
	}

	chat := chatOf(msg.PeerID, e)
	m := &domain.Message{
		ID:   msg.ID,
		From: senderOf(msg, e),
		Chat: chat,
		Text: msg.Message,
		Date: time.Unix(int64(msg.Date), 0),
	}
	if header, ok := msg.GetReplyTo(); ok {
		if h, ok := header.(*tg.MessageReplyHeader); ok {
			if id, ok := h.GetReplyToMsgID(); ok {
				m.ReplyToMessageID = id
			}
		}
	}

	// Message identity is stable across redelivery; edits are keyed by
	// their edit timestamp so consecutive edits stay distinct.
	eventID := fmt.Sprintf("%d:%d", chat.ID, msg.ID)
	if eventType == domain.EventMessageEdited {
		eventID = fmt.Sprintf("%d:%d:%d", chat.ID, msg.ID, msg.EditDate)
	}

	c.deliver(domain.InboundEvent{
		EventID:    eventID,
		SessionID:  c.sessionID,
		AgentID:    c.agentID,
		Type:       eventType,
		Message:    m,
		ReceivedAt: time.Now(),
	})
}

func (c *gotdClient) deliver(event domain.InboundEvent) {
	c.subMu.Lock()
	fn := c.handler
	c.subMu.Unlock()
	if fn != nil {
		fn(event)
	}
}

// chatOf maps the message peer to the webhook chat shape. Megagroups
// behave like groups for consumers distinguishing delivery policy.
func chatOf(peer tg.PeerClass, e tg.Entities) domain.MessageChat {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return domain.MessageChat{ID: p.UserID, Type: "private"}
	case *tg.PeerChat:
		return domain.MessageChat{ID: p.ChatID, Type: "group"}
	case *tg.PeerChannel:
		chatType := "channel"
		if channel, ok := e.Channels[p.ChannelID]; ok && channel.Megagroup {
			chatType = "group"
		}
		return domain.MessageChat{ID: p.ChannelID, Type: chatType}
	default:
		return domain.MessageChat{}
	}
}

// senderOf resolves the message author from the update entities. In
// private chats the author can be implicit in the peer.
func senderOf(msg *tg.Message, e tg.Entities) domain.MessageFrom {
	var senderID int64
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		senderID = from.UserID
	} else if peer, ok := msg.PeerID.(*tg.PeerUser); ok {
		senderID = peer.UserID
	}

	from := domain.MessageFrom{ID: senderID}
	if user, ok := e.Users[senderID]; ok {
		from.FirstName = user.FirstName
		from.LastName = user.LastName
		from.Username = user.Username
		from.Phone = user.Phone
	}
	return from
}

// wrapProtoErr converts protocol failures into domain errors, surfacing
// FLOOD_WAIT as RetryAfterError with the server-mandated pause.
func wrapProtoErr(op string, err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%s: %w", op, &domain.RetryAfterError{After: d})
	}
	return fmt.Errorf("%s: %w", op, err)
}

// peerCache collects input peers from update entities so outbound sends
// can address chats the session has seen.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[int64]tg.InputPeerClass)}
}

func (p *peerCache) absorb(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, user := range e.Users {
		p.peers[id] = &tg.InputPeerUser{UserID: id, AccessHash: user.AccessHash}
	}
	for id := range e.Chats {
		p.peers[id] = &tg.InputPeerChat{ChatID: id}
	}
	for id, channel := range e.Channels {
		p.peers[id] = &tg.InputPeerChannel{ChannelID: id, AccessHash: channel.AccessHash}
	}
}

func (p *peerCache) lookup(chatID int64) (tg.InputPeerClass, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peer, ok := p.peers[chatID]
	return peer, ok
}
