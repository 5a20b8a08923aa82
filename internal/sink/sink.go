// Package sink delivers dispatched events to the downstream consumer.
package sink

import (
	"context"
	"errors"

	"github.com/avaliev/tgbridge/internal/domain"
)

// ErrPermanent marks delivery failures that retrying cannot fix, such as
// a consumer rejecting the payload outright.
var ErrPermanent = errors.New("permanent delivery failure")

// Sink is an idempotent event consumer. Deliver errors are treated as
// transient unless wrapped with ErrPermanent.
type Sink interface {
	Deliver(ctx context.Context, event *domain.InboundEvent) error
}
