// Package domain contains core domain types for the tgbridge service.
package domain

import (
	"time"
)

// Phase is the lifecycle state of a Telegram session.
type Phase string

// Session lifecycle phases. A session moves forward through these except
// for the bounded retry edges on code/password submission and the
// disconnected/active reconnection cycle.
const (
	PhaseCreated           Phase = "created"
	PhaseAwaitingChallenge Phase = "awaiting_challenge"
	PhaseAwaitingCode      Phase = "awaiting_code"
	PhaseAwaitingPassword  Phase = "awaiting_password"
	PhaseAuthenticated     Phase = "authenticated"
	PhaseActive            Phase = "active"
	PhaseDisconnected      Phase = "disconnected"
	PhaseExpired           Phase = "expired"
)

// Terminal reports whether no further transitions are possible.
// Disconnected is recoverable and therefore not terminal.
func (p Phase) Terminal() bool {
	return p == PhaseExpired
}

// Pending reports whether the session is still mid-authentication.
func (p Phase) Pending() bool {
	switch p {
	case PhaseCreated, PhaseAwaitingChallenge, PhaseAwaitingCode, PhaseAwaitingPassword:
		return true
	}
	return false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCreated, PhaseAwaitingChallenge, PhaseAwaitingCode, PhaseAwaitingPassword,
		PhaseAuthenticated, PhaseActive, PhaseDisconnected, PhaseExpired:
		return true
	}
	return false
}

// Metadata keys maintained by the lifecycle core. Everything else in the
// metadata map is opaque caller data carried along untouched.
const (
	MetaFlow         = "flow"          // "qr" or "phone"
	MetaAuthDeadline = "auth_deadline" // RFC3339, pending-auth expiry
	MetaExpireReason = "expire_reason"
)

// SessionRecord is one agent-initiated connection attempt or established
// connection. The registry owns the authoritative in-memory copy; the
// store holds a durable shadow updated on every phase transition.
type SessionRecord struct {
	SessionID      string            `json:"session_id"`
	AgentID        int64             `json:"agent_id"`
	Phase          Phase             `json:"phase"`
	Phone          string            `json:"phone,omitempty"`
	UserID         int64             `json:"user_id,omitempty"`
	CredentialRef  string            `json:"credential_file,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Touch updates the activity timestamp.
func (r *SessionRecord) Touch(now time.Time) {
	r.LastActivityAt = now
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SetMeta writes a metadata key, allocating the map on first use.
func (r *SessionRecord) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// AuthDeadline returns the pending-auth deadline recorded in metadata,
// if one is set and parseable.
func (r *SessionRecord) AuthDeadline() (time.Time, bool) {
	raw, ok := r.Metadata[MetaAuthDeadline]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetAuthDeadline records the pending-auth deadline in metadata.
func (r *SessionRecord) SetAuthDeadline(t time.Time) {
	r.SetMeta(MetaAuthDeadline, t.UTC().Format(time.RFC3339))
}

// QRChallenge is a login challenge issued by the protocol layer. The token
// is renewable within the expiry window; ImagePNG is the rendered QR code
// handed back to the caller for display.
type QRChallenge struct {
	TokenURL  string    `json:"token_url"`
	ImagePNG  []byte    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}
