package interfaces

import (
	"context"

	"github.com/ternarybob/talon/internal/models"
)

// ScanInput is the immutable input handed to the executor when a scan starts.
type ScanInput struct {
	ScanID       string
	Target       string
	RepoURL      string
	Instructions string
}

// FindingCallback reports a discovered finding back to the lifecycle manager.
// The executor may invoke it any number of times, from any goroutine, before
// Execute returns. Invocations after the scan reaches a terminal state are
// dropped by the manager.
type FindingCallback func(finding models.Finding)

// ProgressCallback reports a human-readable progress message. Same rules as
// FindingCallback: any number of invocations, late ones are dropped.
type ProgressCallback func(message string)

// ScanCallbacks carries the executor's channels back into the lifecycle
// manager. Either callback may be nil-checked by wrappers but the manager
// always supplies both.
type ScanCallbacks struct {
	OnProgress ProgressCallback
	OnFinding  FindingCallback
}

// ScanExecutor is the boundary to the opaque agent that performs the actual
// penetration test. Execute blocks until the scan finishes, returning the
// final report text or an error. Cancellation is cooperative via ctx: the
// executor is expected to observe ctx.Done(), but the manager treats a late
// return after cancellation as a race and discards the result.
type ScanExecutor interface {
	Execute(ctx context.Context, input ScanInput, callbacks ScanCallbacks) (string, error)
}
