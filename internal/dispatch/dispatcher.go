package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/shared"
	"github.com/avaliev/tgbridge/internal/sink"
)

// Delivery retry shape. The delay doubles per attempt; a RetryAfter from
// the sink overrides the computed delay when it is longer.
const (
	deliveryBackoffBase = 500 * time.Millisecond
	deliveryBackoffCap  = 30 * time.Second
)

// EventLog is the durable record of delivered events.
type EventLog interface {
	SaveEvent(ctx context.Context, event *domain.InboundEvent) error
}

// Counters is a point-in-time snapshot of dispatcher statistics.
type Counters struct {
	Enqueued      int64 `json:"enqueued"`
	Delivered     int64 `json:"delivered"`
	Deduped       int64 `json:"deduped"`
	Dropped       int64 `json:"dropped"`
	Undeliverable int64 `json:"undeliverable"`
}

// Dispatcher owns the bounded event queue and the single consumer that
// drains it: dedup check, sink delivery with retry, durable log, hub
// fan-out. Enqueue never blocks the protocol layer.
type Dispatcher struct {
	queue       chan domain.InboundEvent
	window      Window
	sink        sink.Sink
	log         EventLog
	hub         *Hub
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	mu       sync.Mutex
	counters Counters

	done chan struct{}
}

// New creates a dispatcher. The event log and hub are optional; a nil
// value skips that stage.
func New(cfg config.DispatchConfig, window Window, snk sink.Sink, log EventLog, hub *Hub) *Dispatcher {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	maxAttempts := cfg.DeliveryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	return &Dispatcher{
		queue:       make(chan domain.InboundEvent, capacity),
		window:      window,
		sink:        snk,
		log:         log,
		hub:         hub,
		maxAttempts: maxAttempts,
		backoffBase: deliveryBackoffBase,
		backoffCap:  deliveryBackoffCap,
		done:        make(chan struct{}),
	}
}

// Start launches the consumer goroutine. It stops when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Done is closed once the consumer has stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Enqueue queues an event for delivery without ever blocking. On a full
// queue the oldest queued event is evicted and counted as dropped.
func (d *Dispatcher) Enqueue(event domain.InboundEvent) {
	d.mu.Lock()
	d.counters.Enqueued++
	d.mu.Unlock()

	for {
		select {
		case d.queue <- event:
			return
		default:
		}

		select {
		case evicted := <-d.queue:
			d.mu.Lock()
			d.counters.Dropped++
			d.mu.Unlock()
			slog.Warn("Event queue full, evicting oldest",
				"dedup_key", evicted.DedupKey(), "session_id", evicted.SessionID)
		default:
			// Consumer drained the queue between the two selects; retry.
		}
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// QueueDepth returns the number of events waiting for the consumer.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	slog.Info("Event dispatcher started",
		"queue_capacity", cap(d.queue), "max_attempts", d.maxAttempts)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Event dispatcher stopped", "queued", len(d.queue))
			return
		case event := <-d.queue:
			d.process(ctx, event)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, event domain.InboundEvent) {
	key := event.DedupKey()

	seen, err := d.window.SeenOrRecord(ctx, key)
	if err != nil {
		// Fail open: a broken window must not stop delivery.
		slog.Warn("Dedup window check failed, delivering anyway", "dedup_key", key, "error", err)
	} else if seen {
		d.mu.Lock()
		d.counters.Deduped++
		d.mu.Unlock()
		slog.Debug("Duplicate event suppressed", "dedup_key", key)
		return
	}

	if err := d.deliver(ctx, &event); err != nil {
		d.mu.Lock()
		d.counters.Undeliverable++
		d.mu.Unlock()
		slog.Error("Event undeliverable, dropping",
			"dedup_key", key, "max_attempts", d.maxAttempts, "error", err)
		return
	}

	d.mu.Lock()
	d.counters.Delivered++
	d.mu.Unlock()

	if d.log != nil {
		if err := d.log.SaveEvent(ctx, &event); err != nil {
			slog.Warn("Recording delivered event failed", "dedup_key", key, "error", err)
		}
	}
	if d.hub != nil {
		d.hub.Publish(event)
	}
}

// deliver pushes one event through the sink, retrying transient failures
// with exponential backoff. Permanent failures stop immediately.
func (d *Dispatcher) deliver(ctx context.Context, event *domain.InboundEvent) error {
	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := shared.Delay(attempt-1, d.backoffBase, d.backoffCap)
			if retryAfter, ok := domain.AsRetryAfter(lastErr); ok && retryAfter.After > delay {
				delay = retryAfter.After
			}
			if err := shared.Sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = d.sink.Deliver(ctx, event)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, sink.ErrPermanent) {
			return lastErr
		}
		slog.Warn("Event delivery failed",
			"dedup_key", event.DedupKey(), "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}
