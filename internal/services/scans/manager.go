// -----------------------------------------------------------------------
// Scan Manager - Lifecycle controller owning all scan state transitions
// -----------------------------------------------------------------------

package scans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/interfaces"
	"github.com/ternarybob/talon/internal/models"
)

// ErrScanNotComplete is returned when requesting the result of a scan that
// has not reached a terminal state.
var ErrScanNotComplete = errors.New("scan has not completed")

// scanCancel holds the cancellation handle for a running scan. The once
// guard makes cancel safe to fire from both CancelScan and scan completion.
type scanCancel struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Manager is the single owner of scan state transitions. All lifecycle
// changes (start, completion, failure, cancellation) and all event
// broadcasts flow through it; the store, registry and broadcaster never
// change scan state on their own.
type Manager struct {
	store       *Store
	registry    *Registry
	broadcaster *Broadcaster
	executor    interfaces.ScanExecutor
	logger      arbor.ILogger
	scanTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]*scanCancel
	wg      sync.WaitGroup
}

// NewManager creates a lifecycle manager running scans through executor.
// scanTimeout, when non-zero, bounds each scan's execution context.
func NewManager(store *Store, registry *Registry, broadcaster *Broadcaster, executor interfaces.ScanExecutor, scanTimeout time.Duration, logger arbor.ILogger) *Manager {
	return &Manager{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		executor:    executor,
		logger:      logger,
		scanTimeout: scanTimeout,
		cancels:     make(map[string]*scanCancel),
	}
}

// CreateScan registers a new scan in the pending state. No work starts and
// no event is broadcast until StartScan is called.
func (m *Manager) CreateScan(target, repoURL, instructions string) (*models.Scan, error) {
	scan := m.store.Create(target, repoURL, instructions)

	m.logger.Info().
		Str("scan_id", scan.ID).
		Str("target", target).
		Msg("Scan created")

	return scan, nil
}

// StartScan transitions a pending scan to running and launches its executor
// in a background goroutine. Returns ErrScanNotFound for unknown ids and
// ErrNotPending when the scan has already been started.
func (m *Manager) StartScan(id string) error {
	var input interfaces.ScanInput

	err := m.store.mutate(id, func(scan *models.Scan) error {
		if scan.Status != models.ScanStatusPending {
			return fmt.Errorf("%w: status is %s", ErrNotPending, scan.Status)
		}
		scan.MarkStarted()
		input = interfaces.ScanInput{
			ScanID:       scan.ID,
			Target:       scan.Target,
			RepoURL:      scan.RepoURL,
			Instructions: scan.Instructions,
		}
		return nil
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if m.scanTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.scanTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	m.mu.Lock()
	m.cancels[id] = &scanCancel{cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runScan(ctx, id, input)

	m.logger.Info().
		Str("scan_id", id).
		Str("target", input.Target).
		Msg("Scan started")

	return nil
}

// CancelScan stops a running scan. The scan is marked cancelled immediately;
// the executor observes context cancellation and stops on its own schedule,
// and anything it reports afterwards is discarded. Returns ErrNotRunning
// when the scan is pending or already terminal.
func (m *Manager) CancelScan(id string) error {
	err := m.store.mutate(id, func(scan *models.Scan) error {
		if scan.Status != models.ScanStatusRunning {
			return fmt.Errorf("%w: status is %s", ErrNotRunning, scan.Status)
		}
		// Subscribers learn of the cancellation through the stream before it closes.
		m.broadcaster.Broadcast(models.NewProgressEvent(scan.ID, "Scan cancelled by user"))
		scan.MarkCancelled()
		return nil
	})
	if err != nil {
		return err
	}

	m.fireCancel(id)
	m.broadcaster.Release(id)

	m.logger.Info().Str("scan_id", id).Msg("Scan cancelled")
	return nil
}

// GetScan returns a snapshot of the scan.
func (m *Manager) GetScan(id string) (*models.Scan, error) {
	return m.store.Get(id)
}

// GetScanResult returns the scan once it has reached a terminal state.
// Returns ErrScanNotComplete while the scan is pending or running.
func (m *Manager) GetScanResult(id string) (*models.Scan, error) {
	scan, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !scan.IsTerminal() {
		return nil, ErrScanNotComplete
	}
	return scan, nil
}

// ListScans returns snapshots of all scans in creation order.
func (m *Manager) ListScans() []*models.Scan {
	return m.store.List()
}

// SubscriberCount returns the number of live observer handles across all scans.
func (m *Manager) SubscriberCount() int {
	return m.registry.Count()
}

// Subscribe attaches an observer handle to a scan's event stream. The scan
// must exist; subscribing to a terminal scan is allowed and simply yields no
// further events.
func (m *Manager) Subscribe(id string, sub interfaces.Subscriber) error {
	if _, err := m.store.Get(id); err != nil {
		return err
	}
	m.registry.Subscribe(id, sub)
	return nil
}

// Unsubscribe detaches an observer handle. Safe to call with handles that
// were never subscribed.
func (m *Manager) Unsubscribe(id string, sub interfaces.Subscriber) {
	m.registry.Unsubscribe(id, sub)
}

// EmitProgress publishes a progress message for a running scan. Messages for
// scans that have already finished are dropped, so late executor callbacks
// are harmless. Returns ErrScanNotFound for unknown ids.
func (m *Manager) EmitProgress(id, message string) error {
	return m.store.mutate(id, func(scan *models.Scan) error {
		if scan.Status != models.ScanStatusRunning {
			return nil
		}
		m.broadcaster.Broadcast(models.NewProgressEvent(scan.ID, message))
		return nil
	})
}

// Shutdown cancels every running scan and waits for executor goroutines and
// event delivery to drain, up to the context deadline.
func (m *Manager) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	m.mu.Lock()
	for _, sc := range m.cancels {
		sc.once.Do(sc.cancel)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Msg("Timed out waiting for running scans to stop")
		m.broadcaster.Close(drainTimeout)
		return ctx.Err()
	}

	m.broadcaster.Close(drainTimeout)
	return nil
}

// runScan drives a single scan through its executor and applies the
// resulting terminal transition. Exactly one terminal transition wins per
// scan: if cancellation got there first, the executor's outcome is discarded.
func (m *Manager) runScan(ctx context.Context, id string, input interfaces.ScanInput) {
	defer m.wg.Done()
	defer m.cleanupCancel(id)

	log := m.logger.WithCorrelationId(id)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Scan executor panicked")
			m.finishScan(id, "", fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := m.EmitProgress(id, "Starting penetration test"); err != nil {
		log.Warn().Err(err).Msg("Failed to emit progress")
	}

	callbacks := interfaces.ScanCallbacks{
		OnProgress: func(message string) {
			if err := m.EmitProgress(id, message); err != nil {
				log.Warn().Err(err).Msg("Failed to emit progress")
			}
		},
		OnFinding: func(f models.Finding) {
			m.recordFinding(id, f)
		},
	}

	report, err := m.executor.Execute(ctx, input, callbacks)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("scan timed out after %s", m.scanTimeout)
	}

	m.finishScan(id, report, err)
}

// finishScan applies the executor's outcome. The transition only happens if
// the scan is still running; a scan already cancelled keeps its state and
// the outcome is dropped.
func (m *Manager) finishScan(id, report string, execErr error) {
	var terminal bool

	err := m.store.mutate(id, func(scan *models.Scan) error {
		if scan.Status != models.ScanStatusRunning {
			return nil
		}
		terminal = true

		if execErr != nil {
			scan.MarkFailed(execErr.Error())
			m.broadcaster.Broadcast(models.NewFailureEvent(scan.ID, execErr.Error()))
			return nil
		}

		scan.MarkCompleted(report)
		m.broadcaster.Broadcast(models.NewCompletionEvent(scan.Clone()))
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("scan_id", id).Msg("Failed to finalize scan")
		return
	}

	if !terminal {
		m.logger.Debug().Str("scan_id", id).Msg("Executor outcome discarded, scan already finished")
		return
	}

	m.broadcaster.Release(id)

	if execErr != nil {
		m.logger.Warn().Err(execErr).Str("scan_id", id).Msg("Scan failed")
	} else {
		m.logger.Info().Str("scan_id", id).Msg("Scan completed")
	}
}

// recordFinding appends a finding to a running scan and broadcasts it.
// Findings reported after the scan finished are dropped.
func (m *Manager) recordFinding(id string, f models.Finding) {
	err := m.store.mutate(id, func(scan *models.Scan) error {
		if scan.Status != models.ScanStatusRunning {
			return nil
		}
		scan.AppendFinding(f)
		m.broadcaster.Broadcast(models.NewFindingEvent(scan.ID, f))
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("scan_id", id).Msg("Failed to record finding")
	}
}

// fireCancel fires a scan's cancel function exactly once and drops the handle.
func (m *Manager) fireCancel(id string) {
	m.mu.Lock()
	sc, ok := m.cancels[id]
	m.mu.Unlock()

	if ok {
		sc.once.Do(sc.cancel)
	}
}

// cleanupCancel releases the context once the executor goroutine exits.
func (m *Manager) cleanupCancel(id string) {
	m.mu.Lock()
	sc, ok := m.cancels[id]
	delete(m.cancels, id)
	m.mu.Unlock()

	if ok {
		sc.once.Do(sc.cancel)
	}
}
