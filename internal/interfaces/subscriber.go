package interfaces

import "github.com/ternarybob/talon/internal/models"

// Subscriber is a live observer handle wanting push notifications for a
// scan's events. Implementations own their transport (e.g. a websocket
// connection); the registry only stores references. Send must not block the
// caller: implementations queue the event and report failure when the
// observer is dead or too slow to keep up.
type Subscriber interface {
	// ID uniquely identifies this handle within the registry.
	ID() string

	// Send enqueues an event for delivery. An error marks this delivery as
	// failed for this subscriber only; it never affects scan state or other
	// subscribers.
	Send(event models.ScanEvent) error

	// Close releases the handle's transport once the scan's stream ends.
	// Called at most once by the broadcaster; must tolerate an already
	// closed transport.
	Close() error
}
