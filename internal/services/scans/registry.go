// -----------------------------------------------------------------------
// Subscriber Registry - Per-scan sets of live observer handles
// -----------------------------------------------------------------------

package scans

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/interfaces"
)

// Registry tracks which observer handles want events for which scans.
// Handles are weak references: removing one never touches scan state, and a
// dead handle is simply a per-delivery failure for the broadcaster. The same
// handle may subscribe to multiple scans.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]interfaces.Subscriber
	logger      arbor.ILogger
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		subscribers: make(map[string]map[string]interfaces.Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a handle for a scan's event stream.
func (r *Registry) Subscribe(scanID string, sub interfaces.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subscribers[scanID]
	if !ok {
		set = make(map[string]interfaces.Subscriber)
		r.subscribers[scanID] = set
	}
	set[sub.ID()] = sub

	r.logger.Debug().
		Str("scan_id", scanID).
		Str("subscriber_id", sub.ID()).
		Int("subscriber_count", len(set)).
		Msg("Subscriber registered")
}

// Unsubscribe removes a handle from a scan's event stream. Removing a handle
// that is not present is a no-op. The scan's entry is dropped entirely when
// its last subscriber leaves.
func (r *Registry) Unsubscribe(scanID string, sub interfaces.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subscribers[scanID]
	if !ok {
		return
	}

	delete(set, sub.ID())
	if len(set) == 0 {
		delete(r.subscribers, scanID)
	}

	r.logger.Debug().
		Str("scan_id", scanID).
		Str("subscriber_id", sub.ID()).
		Int("subscriber_count", len(set)).
		Msg("Subscriber removed")
}

// Subscribers returns a snapshot of the current handles for a scan.
// Returns nil when the scan has no subscribers.
func (r *Registry) Subscribers(scanID string) []interfaces.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.subscribers[scanID]
	if !ok {
		return nil
	}

	subs := make([]interfaces.Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Count returns the total number of registered handles across all scans.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.subscribers {
		total += len(set)
	}
	return total
}
