package domain

import "time"

// Input is one instruction forwarded to a session's state machine. The
// set is closed: every (phase, input) pair has a defined outcome,
// including rejection with ErrInvalidPhaseForInput.
type Input interface {
	isInput()
}

// StartQR begins the QR login flow for a freshly created session.
type StartQR struct{}

// StartPhone begins the phone-code login flow.
type StartPhone struct {
	Phone string
}

// SubmitCode submits the login code received on the phone.
type SubmitCode struct {
	Code string
}

// SubmitPassword submits the 2FA password.
type SubmitPassword struct {
	Password string
}

// Reconnect nudges a disconnected session to attempt reconnection now.
// Issued by the supervisor; a no-op on a healthy session.
type Reconnect struct{}

// Disconnect requests logout and teardown. Legal in every phase.
type Disconnect struct{}

// SendMessage sends an outbound message through the session's
// connection. Routed through the machine so sends serialize with the
// rest of the session's protocol traffic.
type SendMessage struct {
	ChatID  int64
	Text    string
	ReplyTo int
}

func (StartQR) isInput()        {}
func (StartPhone) isInput()     {}
func (SubmitCode) isInput()     {}
func (SubmitPassword) isInput() {}
func (Reconnect) isInput()      {}
func (Disconnect) isInput()     {}
func (SendMessage) isInput()    {}

// AuthResultKind tags the closed set of authentication outcomes.
type AuthResultKind int

const (
	// AuthAuthenticated means login completed; Phone and UserID are set.
	AuthAuthenticated AuthResultKind = iota
	// AuthPasswordRequired means the account has 2FA enabled and a
	// password must be submitted next.
	AuthPasswordRequired
	// AuthInvalidCode means the submitted code was rejected.
	AuthInvalidCode
	// AuthInvalidPassword means the submitted password was rejected.
	AuthInvalidPassword
)

// AuthResult is the outcome of a code, password, or QR authentication
// step.
type AuthResult struct {
	Kind   AuthResultKind
	Phone  string
	UserID int64
}

// SentReceipt confirms an outbound message was accepted by the protocol
// layer.
type SentReceipt struct {
	MessageID int       `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}
