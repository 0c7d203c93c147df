package models

import (
	"fmt"
	"time"
)

// Severity classifies how serious a finding is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity string to a known Severity value.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity: %q", s)
	}
}

// Finding is a single issue discovered during a scan. Immutable once
// appended to a scan. The id is supplied by the executor and assumed
// unique within its scan; the manager never deduplicates.
type Finding struct {
	ID           string    `json:"report_id"`
	Title        string    `json:"title"`
	Severity     Severity  `json:"severity"`
	Body         string    `json:"content"`
	DiscoveredAt time.Time `json:"found_at"`
}
