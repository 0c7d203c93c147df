// -----------------------------------------------------------------------
// Scan - Central scan entity with lifecycle state
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Scan represents one tracked penetration-test run.
//
// Inputs (Target, RepoURL, Instructions) are immutable after creation.
// Status only moves forward along pending -> running -> {completed, failed,
// cancelled}; the manager owns all mutation. Findings are append-only and
// grow only while the scan is running.
type Scan struct {
	ID     string     `json:"scan_id"`
	Status ScanStatus `json:"status"`

	Target       string `json:"target_url"`
	RepoURL      string `json:"repo_url,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Findings    []Finding `json:"findings"`
	FinalReport string    `json:"final_report,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// NewScan creates a new scan in pending state with a freshly minted id.
func NewScan(target, repoURL, instructions string) *Scan {
	return &Scan{
		ID:           uuid.New().String(),
		Status:       ScanStatusPending,
		Target:       target,
		RepoURL:      repoURL,
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
		Findings:     []Finding{},
	}
}

// MarkStarted transitions the scan to running and stamps StartedAt.
func (s *Scan) MarkStarted() {
	s.Status = ScanStatusRunning
	now := time.Now().UTC()
	s.StartedAt = &now
}

// MarkCompleted transitions the scan to completed with its final report.
func (s *Scan) MarkCompleted(report string) {
	s.Status = ScanStatusCompleted
	s.FinalReport = report
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkFailed transitions the scan to failed with a human-readable error.
func (s *Scan) MarkFailed(errorDetail string) {
	s.Status = ScanStatusFailed
	s.ErrorDetail = errorDetail
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkCancelled transitions the scan to cancelled.
func (s *Scan) MarkCancelled() {
	s.Status = ScanStatusCancelled
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// IsTerminal returns true if the scan is in a terminal state.
func (s *Scan) IsTerminal() bool {
	return s.Status == ScanStatusCompleted ||
		s.Status == ScanStatusFailed ||
		s.Status == ScanStatusCancelled
}

// AppendFinding appends a finding, preserving discovery order.
func (s *Scan) AppendFinding(f Finding) {
	s.Findings = append(s.Findings, f)
}

// Clone returns a deep copy safe to hand to readers and serializers while
// the manager keeps mutating the original.
func (s *Scan) Clone() *Scan {
	clone := *s

	if s.StartedAt != nil {
		t := *s.StartedAt
		clone.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}

	clone.Findings = make([]Finding, len(s.Findings))
	copy(clone.Findings, s.Findings)

	return &clone
}
