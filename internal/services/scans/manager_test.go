package scans

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/interfaces"
	"github.com/ternarybob/talon/internal/models"
)

// fakeExecutor scripts the agent side of a scan for tests.
type fakeExecutor struct {
	run func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
	return f.run(ctx, input, callbacks)
}

func newTestManager(executor interfaces.ScanExecutor) (*Manager, *Registry) {
	logger := arbor.NewLogger()
	store := NewStore(logger)
	registry := NewRegistry(logger)
	broadcaster := NewBroadcaster(registry, 256, 0, logger)
	manager := NewManager(store, registry, broadcaster, executor, time.Minute, logger)
	return manager, registry
}

func waitForStatus(t *testing.T, manager *Manager, id string, want models.ScanStatus) *models.Scan {
	t.Helper()
	var scan *models.Scan
	require.Eventually(t, func() bool {
		got, err := manager.GetScan(id)
		if err != nil {
			return false
		}
		scan = got
		return got.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return scan
}

func TestManagerCreateScan(t *testing.T) {
	manager, _ := newTestManager(&fakeExecutor{})

	scan, err := manager.CreateScan("https://example.com", "https://github.com/acme/app", "focus on auth")
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusPending, scan.Status)
	assert.Nil(t, scan.StartedAt)

	// Creation broadcasts nothing and starts no work.
	got, err := manager.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusPending, got.Status)
}

func TestManagerFullLifecycle(t *testing.T) {
	proceed := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			<-proceed
			callbacks.OnProgress("mapping attack surface")
			callbacks.OnFinding(models.Finding{ID: "f1", Title: "Reflected XSS", Severity: models.SeverityHigh, DiscoveredAt: time.Now().UTC()})
			callbacks.OnFinding(models.Finding{ID: "f2", Title: "Missing CSRF token", Severity: models.SeverityMedium, DiscoveredAt: time.Now().UTC()})
			return "# Assessment Report", nil
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)

	sub := newCaptureSubscriber("sub-1")
	require.NoError(t, manager.Subscribe(scan.ID, sub))

	require.NoError(t, manager.StartScan(scan.ID))
	running, err := manager.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	close(proceed)
	final := waitForStatus(t, manager, scan.ID, models.ScanStatusCompleted)
	assert.Equal(t, "# Assessment Report", final.FinalReport)
	require.Len(t, final.Findings, 2)
	assert.Equal(t, "Reflected XSS", final.Findings[0].Title)
	assert.Equal(t, "Missing CSRF token", final.Findings[1].Title)

	// Subscriber sees the start notice, progress, findings in discovery
	// order, then the completion snapshot.
	require.Eventually(t, func() bool {
		return len(sub.Events()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	events := sub.Events()
	assert.Equal(t, models.EventTypeProgress, events[0].Type)
	assert.Equal(t, models.ProgressPayload{Message: "Starting penetration test"}, events[0].Payload)
	assert.Equal(t, models.EventTypeProgress, events[1].Type)
	assert.Equal(t, models.ProgressPayload{Message: "mapping attack surface"}, events[1].Payload)
	assert.Equal(t, models.EventTypeFinding, events[2].Type)
	assert.Equal(t, "f1", events[2].Payload.(models.FindingPayload).Finding.ID)
	assert.Equal(t, models.EventTypeFinding, events[3].Type)
	assert.Equal(t, "f2", events[3].Payload.(models.FindingPayload).Finding.ID)
	require.Equal(t, models.EventTypeCompletion, events[4].Type)

	result := events[4].Payload.(models.CompletionPayload).Result
	assert.Equal(t, "# Assessment Report", result.FinalReport)
	assert.Len(t, result.Findings, 2)

	// Stream is released after the terminal event.
	assert.Eventually(t, func() bool {
		return sub.Closed()
	}, time.Second, 10*time.Millisecond)
}

func TestManagerScanFailure(t *testing.T) {
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			return "", errors.New("target unreachable")
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)

	sub := newCaptureSubscriber("sub-1")
	require.NoError(t, manager.Subscribe(scan.ID, sub))
	require.NoError(t, manager.StartScan(scan.ID))

	final := waitForStatus(t, manager, scan.ID, models.ScanStatusFailed)
	assert.Equal(t, "target unreachable", final.ErrorDetail)

	require.Eventually(t, func() bool {
		return len(sub.Events()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	event := sub.Events()[1]
	assert.Equal(t, models.EventTypeFailure, event.Type)
	assert.Equal(t, models.FailurePayload{Error: "target unreachable"}, event.Payload)
}

func TestManagerStartScanErrors(t *testing.T) {
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	manager, _ := newTestManager(executor)

	assert.ErrorIs(t, manager.StartScan("no-such-scan"), ErrScanNotFound)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)
	require.NoError(t, manager.StartScan(scan.ID))

	// Starting twice is rejected.
	assert.ErrorIs(t, manager.StartScan(scan.ID), ErrNotPending)

	require.NoError(t, manager.CancelScan(scan.ID))
}

func TestManagerConcurrentStartRunsExecutorOnce(t *testing.T) {
	var invocations int32
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			atomic.AddInt32(&invocations, 1)
			return "report", nil
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)

	const starters = 8
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if manager.StartScan(scan.ID) == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&successes), "exactly one start call wins")

	waitForStatus(t, manager, scan.ID, models.ScanStatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations), "executor runs exactly once")
}

func TestManagerCancelScan(t *testing.T) {
	started := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			close(started)
			<-ctx.Done()
			// A cooperative executor surfaces the cancellation; either way
			// the outcome is discarded because the scan is already terminal.
			return "", ctx.Err()
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)

	sub := newCaptureSubscriber("sub-1")
	require.NoError(t, manager.Subscribe(scan.ID, sub))
	require.NoError(t, manager.StartScan(scan.ID))
	<-started

	require.NoError(t, manager.CancelScan(scan.ID))

	final, err := manager.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)

	// Subscribers get the informational message and the stream closes.
	require.Eventually(t, func() bool {
		return sub.Closed()
	}, 2*time.Second, 10*time.Millisecond)
	events := sub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventTypeProgress, events[1].Type)
	assert.Equal(t, models.ProgressPayload{Message: "Scan cancelled by user"}, events[1].Payload)

	// The executor's late error never turns the scan into a failure.
	time.Sleep(50 * time.Millisecond)
	final, err = manager.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCancelled, final.Status)
	assert.Empty(t, final.ErrorDetail)
}

func TestManagerCancelScanErrors(t *testing.T) {
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			return "report", nil
		},
	}
	manager, _ := newTestManager(executor)

	assert.ErrorIs(t, manager.CancelScan("no-such-scan"), ErrScanNotFound)

	// Pending scans cannot be cancelled.
	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)
	assert.ErrorIs(t, manager.CancelScan(scan.ID), ErrNotRunning)

	// Neither can finished ones.
	require.NoError(t, manager.StartScan(scan.ID))
	waitForStatus(t, manager, scan.ID, models.ScanStatusCompleted)
	assert.ErrorIs(t, manager.CancelScan(scan.ID), ErrNotRunning)
}

func TestManagerLateResultDiscardedAfterCancel(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			close(started)
			<-finish
			// Ignores cancellation and reports success late.
			callbacks.OnFinding(models.Finding{ID: "late", Title: "Late finding", Severity: models.SeverityLow})
			return "late report", nil
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)
	require.NoError(t, manager.StartScan(scan.ID))
	<-started

	require.NoError(t, manager.CancelScan(scan.ID))
	close(finish)

	time.Sleep(100 * time.Millisecond)
	final, err := manager.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCancelled, final.Status)
	assert.Empty(t, final.FinalReport)
	assert.Empty(t, final.Findings)
}

func TestManagerExecutorPanicBecomesFailure(t *testing.T) {
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			panic("agent blew up")
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)
	require.NoError(t, manager.StartScan(scan.ID))

	final := waitForStatus(t, manager, scan.ID, models.ScanStatusFailed)
	assert.Contains(t, final.ErrorDetail, "internal error")
}

func TestManagerGetScanResult(t *testing.T) {
	proceed := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			<-proceed
			return "report", nil
		},
	}
	manager, _ := newTestManager(executor)

	_, err := manager.GetScanResult("no-such-scan")
	assert.ErrorIs(t, err, ErrScanNotFound)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)

	_, err = manager.GetScanResult(scan.ID)
	assert.ErrorIs(t, err, ErrScanNotComplete)

	require.NoError(t, manager.StartScan(scan.ID))
	_, err = manager.GetScanResult(scan.ID)
	assert.ErrorIs(t, err, ErrScanNotComplete)

	close(proceed)
	waitForStatus(t, manager, scan.ID, models.ScanStatusCompleted)

	result, err := manager.GetScanResult(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", result.FinalReport)
}

func TestManagerEmitProgress(t *testing.T) {
	proceed := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			<-proceed
			return "report", nil
		},
	}
	manager, _ := newTestManager(executor)

	assert.ErrorIs(t, manager.EmitProgress("no-such-scan", "hello"), ErrScanNotFound)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)

	sub := newCaptureSubscriber("sub-1")
	require.NoError(t, manager.Subscribe(scan.ID, sub))
	require.NoError(t, manager.StartScan(scan.ID))

	require.NoError(t, manager.EmitProgress(scan.ID, "poking at the login form"))
	require.Eventually(t, func() bool {
		return len(sub.Events()) == 2
	}, time.Second, 10*time.Millisecond)

	close(proceed)
	waitForStatus(t, manager, scan.ID, models.ScanStatusCompleted)

	// Progress for a finished scan is silently dropped.
	require.NoError(t, manager.EmitProgress(scan.ID, "too late"))
	time.Sleep(50 * time.Millisecond)
	for _, event := range sub.Events() {
		if event.Type == models.EventTypeProgress {
			assert.NotEqual(t, models.ProgressPayload{Message: "too late"}, event.Payload)
		}
	}
}

func TestManagerConcurrentScansAreIndependent(t *testing.T) {
	blockB := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			if input.Target == "https://b.example.com" {
				<-blockB
			}
			return "report for " + input.Target, nil
		},
	}
	manager, _ := newTestManager(executor)

	scanA, err := manager.CreateScan("https://a.example.com", "", "")
	require.NoError(t, err)
	scanB, err := manager.CreateScan("https://b.example.com", "", "")
	require.NoError(t, err)

	require.NoError(t, manager.StartScan(scanA.ID))
	require.NoError(t, manager.StartScan(scanB.ID))

	// A finishes while B is still held open.
	waitForStatus(t, manager, scanA.ID, models.ScanStatusCompleted)
	got, err := manager.GetScan(scanB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusRunning, got.Status)

	close(blockB)
	waitForStatus(t, manager, scanB.ID, models.ScanStatusCompleted)
}

func TestManagerShutdownCancelsRunningScans(t *testing.T) {
	started := make(chan struct{})
	executor := &fakeExecutor{
		run: func(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	manager, _ := newTestManager(executor)

	scan, err := manager.CreateScan("https://example.com", "", "")
	require.NoError(t, err)
	require.NoError(t, manager.StartScan(scan.ID))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, manager.Shutdown(ctx, time.Second))
}
