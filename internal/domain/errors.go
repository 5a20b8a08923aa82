package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced across component boundaries. Transient
// conditions (storage, rate limits) are retried internally and wrapped;
// terminal outcomes are returned to the caller as-is for classification
// with errors.Is.
var (
	// ErrNotFound indicates no session exists for the given identifier.
	ErrNotFound = errors.New("session not found")

	// ErrAgentAlreadyConnected indicates the agent already owns a
	// non-terminal session. The existing session must be closed first.
	ErrAgentAlreadyConnected = errors.New("agent already has an active session")

	// ErrCapacityExceeded indicates the registry is at its configured
	// maximum of concurrent sessions.
	ErrCapacityExceeded = errors.New("maximum concurrent sessions reached")

	// ErrInvalidPhaseForInput indicates the input is not legal in the
	// session's current phase.
	ErrInvalidPhaseForInput = errors.New("input not valid for current session phase")

	// ErrInvalidCode indicates the submitted login code was rejected.
	// Recoverable until the retry budget is exhausted.
	ErrInvalidCode = errors.New("invalid login code")

	// ErrInvalidPassword indicates the submitted 2FA password was
	// rejected. Recoverable until the retry budget is exhausted.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrStorageUnavailable marks a transient persistence failure.
	// Callers retry with backoff and never discard in-memory state.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAdapterDisconnected indicates the protocol connection is down.
	ErrAdapterDisconnected = errors.New("telegram connection is down")

	// ErrSessionExpired indicates the session reached its terminal phase.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnknownPeer indicates an outbound send targeted a chat this
	// session has never observed, so no access hash is available.
	ErrUnknownPeer = errors.New("peer not known to this session")
)

// RetryAfterError carries a rate-limit wait imposed by the protocol
// layer or a downstream consumer. It is never swallowed: callers either
// honor the delay internally or surface it unchanged.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// AsRetryAfter unwraps err into a RetryAfterError if one is in the chain.
func AsRetryAfter(err error) (*RetryAfterError, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra, true
	}
	return nil, false
}
