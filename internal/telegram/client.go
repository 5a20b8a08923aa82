// Package telegram adapts the MTProto protocol layer to the session
// lifecycle core. One Client serves one session; the Dialer builds them
// with per-session credential storage.
package telegram

import (
	"context"

	"github.com/avaliev/tgbridge/internal/domain"
)

// CodeRequest carries the server-side handle for a pending phone login.
// The hash must accompany the code the user types in.
type CodeRequest struct {
	Phone         string `json:"phone"`
	PhoneCodeHash string `json:"-"`
}

// Client is one protocol connection serving one session. All blocking
// calls honor the passed context. Rate limiting surfaces as a
// *domain.RetryAfterError; callers decide whether to wait or propagate.
type Client interface {
	// Connect establishes the protocol connection. Idempotent while
	// connected.
	Connect(ctx context.Context) error

	// Authorized reports whether stored credentials carry a live
	// authorization.
	Authorized(ctx context.Context) (bool, error)

	// BeginQRLogin starts a QR login flow. The returned challenge holds
	// the rendered token; onResult fires once when the challenge is
	// approved, requires a password, or fails. Tokens rotate inside the
	// challenge window without moving its expiry.
	BeginQRLogin(ctx context.Context, onResult func(domain.AuthResult, error)) (*domain.QRChallenge, error)

	// BeginPhoneLogin requests a login code for phone.
	BeginPhoneLogin(ctx context.Context, phone string) (*CodeRequest, error)

	// SubmitCode completes a phone login with the received code.
	SubmitCode(ctx context.Context, req *CodeRequest, code string) (domain.AuthResult, error)

	// SubmitPassword completes a two-factor login.
	SubmitPassword(ctx context.Context, password string) (domain.AuthResult, error)

	// SendMessage sends text to a chat the session has seen. replyTo,
	// when positive, is the message ID being replied to.
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (*domain.SentReceipt, error)

	// Subscribe registers the inbound event handler. Events for one
	// session are delivered sequentially in arrival order.
	Subscribe(fn func(domain.InboundEvent))

	// OnDisconnect registers a callback fired when the connection drops
	// for any reason other than an explicit Disconnect or Logout.
	OnDisconnect(fn func(error))

	// Connected reports whether the protocol connection is up.
	Connected() bool

	// CredentialRef is the path of the stored credential file.
	CredentialRef() string

	// Disconnect closes the connection but keeps credentials, so a
	// later Connect can resume the authorization. Idempotent.
	Disconnect(ctx context.Context) error

	// Logout terminates the authorization server-side and purges the
	// credential file.
	Logout(ctx context.Context) error
}

// Dialer creates protocol clients, one per session.
type Dialer interface {
	Dial(sessionID string, agentID int64) Client
}
