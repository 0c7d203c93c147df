// -----------------------------------------------------------------------
// Event Broadcaster - Per-scan fan-out of lifecycle events
// -----------------------------------------------------------------------

package scans

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/models"
)

// scanQueue is the dispatch pipeline for a single scan. Events enter the
// bounded channel in broadcast order and a dedicated goroutine delivers them
// to subscribers, so subscribers of one scan always observe events in the
// order they were published.
type scanQueue struct {
	events   chan models.ScanEvent
	limiter  *rate.Limiter
	released bool
}

// Broadcaster fans scan events out to registered subscribers. Delivery is
// best-effort: a subscriber that errors or whose buffer is full misses the
// event without affecting the scan or other subscribers. Progress events can
// be throttled per scan; finding and terminal events always pass through.
type Broadcaster struct {
	registry  *Registry
	logger    arbor.ILogger
	queueSize int
	throttle  time.Duration

	mu     sync.Mutex
	queues map[string]*scanQueue
	closed bool
	wg     sync.WaitGroup
}

// NewBroadcaster creates a broadcaster delivering through the given registry.
// queueSize bounds each scan's pending event queue; throttle, when non-zero,
// is the minimum interval between delivered progress events per scan.
func NewBroadcaster(registry *Registry, queueSize int, throttle time.Duration, logger arbor.ILogger) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		logger:    logger,
		queueSize: queueSize,
		throttle:  throttle,
		queues:    make(map[string]*scanQueue),
	}
}

// Broadcast enqueues an event for delivery to the scan's subscribers and
// returns without waiting for delivery. Events for a released or unknown
// scan are dropped. When the scan's queue is full the event is dropped with
// a warning rather than blocking the caller.
func (b *Broadcaster) Broadcast(event models.ScanEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	q, ok := b.queues[event.ScanID]
	if !ok {
		q = b.newQueue(event.ScanID)
		b.queues[event.ScanID] = q
	}
	if q.released {
		b.mu.Unlock()
		return
	}

	// Intermediate progress updates may arrive faster than subscribers can
	// usefully consume them. Findings and terminal events are never dropped here.
	if event.Type == models.EventTypeProgress && q.limiter != nil && !q.limiter.Allow() {
		b.mu.Unlock()
		return
	}

	select {
	case q.events <- event:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		b.logger.Warn().
			Str("scan_id", event.ScanID).
			Str("event_type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

// Release marks a scan's stream finished. Queued events still drain to
// subscribers, then the dispatch goroutine exits. Further broadcasts for the
// scan are dropped. Called once the scan reaches a terminal state.
func (b *Broadcaster) Release(scanID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[scanID]
	if !ok || q.released {
		return
	}
	q.released = true
	close(q.events)
}

// Close releases every scan stream and waits up to timeout for in-flight
// deliveries to drain.
func (b *Broadcaster) Close(timeout time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		if !q.released {
			q.released = true
			close(q.events)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn().Msg("Timed out waiting for event delivery to drain")
	}
}

// newQueue creates the dispatch pipeline for a scan. Caller holds b.mu.
func (b *Broadcaster) newQueue(scanID string) *scanQueue {
	q := &scanQueue{
		events: make(chan models.ScanEvent, b.queueSize),
	}
	if b.throttle > 0 {
		q.limiter = rate.NewLimiter(rate.Every(b.throttle), 1)
	}

	b.wg.Add(1)
	go b.dispatch(scanID, q)

	return q
}

// dispatch delivers a scan's events to its subscribers in order. Runs until
// the queue is released and drained.
func (b *Broadcaster) dispatch(scanID string, q *scanQueue) {
	defer b.wg.Done()

	for event := range q.events {
		for _, sub := range b.registry.Subscribers(scanID) {
			if err := sub.Send(event); err != nil {
				b.logger.Warn().
					Str("scan_id", scanID).
					Str("subscriber_id", sub.ID()).
					Err(err).
					Msg("Subscriber delivery failed, removing")
				b.registry.Unsubscribe(scanID, sub)
				_ = sub.Close()
			}
		}
	}

	// Stream ended: hand remaining subscribers their close and drop them.
	for _, sub := range b.registry.Subscribers(scanID) {
		b.registry.Unsubscribe(scanID, sub)
		_ = sub.Close()
	}
}
