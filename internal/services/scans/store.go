// -----------------------------------------------------------------------
// Scan Store - In-memory table of scan records
// -----------------------------------------------------------------------

package scans

import (
	"errors"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/models"
)

var (
	// ErrScanNotFound is returned when a scan id is unknown.
	ErrScanNotFound = errors.New("scan not found")
	// ErrNotPending is returned when starting a scan that is not pending.
	ErrNotPending = errors.New("scan is not pending")
	// ErrNotRunning is returned when cancelling a scan that is not running.
	ErrNotRunning = errors.New("scan is not running")
)

// record pairs a live scan with the lock that serializes all access to it.
// Different scans progress fully concurrently; operations on one scan are
// mutually exclusive.
type record struct {
	mu   sync.Mutex
	scan *models.Scan
}

// Store is the in-memory scan table. Records live for the remainder of the
// process; there is no eviction. Reads always observe a consistent snapshot:
// Get and List clone each record under its lock.
//
// Mutation goes through mutate, which only the lifecycle Manager (same
// package) uses, preserving the invariant that the manager exclusively owns
// all scan state changes.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string
	logger  arbor.ILogger
}

// NewStore creates an empty scan store.
func NewStore(logger arbor.ILogger) *Store {
	return &Store{
		records: make(map[string]*record),
		order:   []string{},
		logger:  logger,
	}
}

// Create mints a new pending scan and returns a snapshot of it.
func (st *Store) Create(target, repoURL, instructions string) *models.Scan {
	scan := models.NewScan(target, repoURL, instructions)

	st.mu.Lock()
	st.records[scan.ID] = &record{scan: scan}
	st.order = append(st.order, scan.ID)
	st.mu.Unlock()

	st.logger.Debug().
		Str("scan_id", scan.ID).
		Str("target", target).
		Msg("Scan record created")

	return scan.Clone()
}

// Get returns a consistent snapshot of the scan, or ErrScanNotFound.
func (st *Store) Get(id string) (*models.Scan, error) {
	st.mu.RLock()
	rec, ok := st.records[id]
	st.mu.RUnlock()

	if !ok {
		return nil, ErrScanNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.scan.Clone(), nil
}

// List returns snapshots of all scans in insertion order.
func (st *Store) List() []*models.Scan {
	st.mu.RLock()
	recs := make([]*record, 0, len(st.order))
	for _, id := range st.order {
		recs = append(recs, st.records[id])
	}
	st.mu.RUnlock()

	scans := make([]*models.Scan, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		scans = append(scans, rec.scan.Clone())
		rec.mu.Unlock()
	}
	return scans
}

// Count returns the number of scans in the store.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.records)
}

// mutate runs fn against the live scan under its record lock. fn sees the
// scan exclusively: the check-and-transition it performs is atomic with
// respect to every other operation on the same scan. Returns
// ErrScanNotFound for unknown ids, otherwise fn's error.
func (st *Store) mutate(id string, fn func(scan *models.Scan) error) error {
	st.mu.RLock()
	rec, ok := st.records[id]
	st.mu.RUnlock()

	if !ok {
		return ErrScanNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(rec.scan)
}
