// -----------------------------------------------------------------------
// Scan Events - Typed messages pushed to live observers
// -----------------------------------------------------------------------

package models

import "time"

// EventType identifies the kind of scan event being broadcast.
type EventType string

const (
	EventTypeProgress   EventType = "progress"
	EventTypeFinding    EventType = "finding"
	EventTypeCompletion EventType = "completion"
	EventTypeFailure    EventType = "failure"
)

// ScanEvent is one message in a scan's outbound event stream. Events for a
// single scan are delivered to each subscriber in the order the manager
// applied the corresponding state change; there is no cross-scan ordering.
type ScanEvent struct {
	Type      EventType   `json:"type"`
	ScanID    string      `json:"scan_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ProgressPayload carries a free-text progress message.
type ProgressPayload struct {
	Message string `json:"message"`
}

// FindingPayload carries a single discovered finding.
type FindingPayload struct {
	Finding Finding `json:"finding"`
}

// CompletionPayload carries the full terminal snapshot of a completed scan,
// including all accumulated findings and the final report.
type CompletionPayload struct {
	Result *Scan `json:"result"`
}

// FailurePayload carries the error detail of a failed scan.
type FailurePayload struct {
	Error string `json:"error"`
}

// NewProgressEvent builds a progress event for a scan.
func NewProgressEvent(scanID, message string) ScanEvent {
	return ScanEvent{
		Type:      EventTypeProgress,
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		Payload:   ProgressPayload{Message: message},
	}
}

// NewFindingEvent builds a finding event for a scan.
func NewFindingEvent(scanID string, finding Finding) ScanEvent {
	return ScanEvent{
		Type:      EventTypeFinding,
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		Payload:   FindingPayload{Finding: finding},
	}
}

// NewCompletionEvent builds a completion event carrying the terminal snapshot.
func NewCompletionEvent(result *Scan) ScanEvent {
	return ScanEvent{
		Type:      EventTypeCompletion,
		ScanID:    result.ID,
		Timestamp: time.Now().UTC(),
		Payload:   CompletionPayload{Result: result},
	}
}

// NewFailureEvent builds a failure event carrying the error detail.
func NewFailureEvent(scanID, errorDetail string) ScanEvent {
	return ScanEvent{
		Type:      EventTypeFailure,
		ScanID:    scanID,
		Timestamp: time.Now().UTC(),
		Payload:   FailurePayload{Error: errorDetail},
	}
}
