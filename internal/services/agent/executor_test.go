package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/common"
	"github.com/ternarybob/talon/internal/interfaces"
	"github.com/ternarybob/talon/internal/models"
)

func newTestExecutor() *Executor {
	config := common.NewDefaultConfig()
	return &Executor{
		config: &config.Agent,
		logger: arbor.NewLogger(),
	}
}

// callbackRecorder collects callback invocations from processTurn.
type callbackRecorder struct {
	mu       sync.Mutex
	progress []string
	findings []models.Finding
}

func (r *callbackRecorder) callbacks() interfaces.ScanCallbacks {
	return interfaces.ScanCallbacks{
		OnProgress: func(message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, message)
		},
		OnFinding: func(f models.Finding) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.findings = append(r.findings, f)
		},
	}
}

func TestProcessTurnDispatchesMarkedLines(t *testing.T) {
	executor := newTestExecutor()
	rec := &callbackRecorder{}

	text := `PROGRESS: mapping attack surface
Some unmarked narration the model produced.
FINDING: {"title": "Reflected XSS", "severity": "high", "content": "The q parameter reflects unsanitized input."}
PROGRESS: testing session handling`

	report, done := executor.processTurn("scan-1", text, rec.callbacks())
	assert.False(t, done)
	assert.Empty(t, report)

	require.Len(t, rec.progress, 2)
	assert.Equal(t, "mapping attack surface", rec.progress[0])
	assert.Equal(t, "testing session handling", rec.progress[1])

	require.Len(t, rec.findings, 1)
	finding := rec.findings[0]
	assert.Equal(t, "Reflected XSS", finding.Title)
	assert.Equal(t, models.SeverityHigh, finding.Severity)
	assert.NotEmpty(t, finding.ID)
	assert.False(t, finding.DiscoveredAt.IsZero())
}

func TestProcessTurnReportEndsTheScan(t *testing.T) {
	executor := newTestExecutor()
	rec := &callbackRecorder{}

	text := `PROGRESS: wrapping up
REPORT: # Assessment Summary
No critical issues were identified.`

	report, done := executor.processTurn("scan-1", text, rec.callbacks())
	require.True(t, done)
	assert.Contains(t, report, "# Assessment Summary")
	assert.Contains(t, report, "No critical issues were identified.")
	require.Len(t, rec.progress, 1)
}

func TestProcessTurnSkipsMalformedFindings(t *testing.T) {
	executor := newTestExecutor()
	rec := &callbackRecorder{}

	text := `FINDING: this is not json
FINDING: {"title": "", "severity": "high", "content": "missing title"}
FINDING: {"title": "Bad severity", "severity": "catastrophic", "content": "x"}
FINDING: {"title": "Valid", "severity": "low", "content": "kept"}`

	_, done := executor.processTurn("scan-1", text, rec.callbacks())
	assert.False(t, done)

	require.Len(t, rec.findings, 1)
	assert.Equal(t, "Valid", rec.findings[0].Title)
	assert.Equal(t, models.SeverityLow, rec.findings[0].Severity)
}

func TestParseFindingNormalizesSeverity(t *testing.T) {
	finding, err := parseFinding(`FINDING: {"title": "SQLi", "severity": " HIGH ", "content": "union based"}`)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, finding.Severity)
	assert.Equal(t, "union based", finding.Body)
}

func TestBuildTaskPrompt(t *testing.T) {
	full := buildTaskPrompt(interfaces.ScanInput{
		ScanID:       "scan-1",
		Target:       "https://example.com",
		RepoURL:      "https://github.com/acme/app",
		Instructions: "focus on auth",
	})
	assert.Contains(t, full, "https://example.com")
	assert.Contains(t, full, "https://github.com/acme/app")
	assert.Contains(t, full, "focus on auth")

	minimal := buildTaskPrompt(interfaces.ScanInput{Target: "https://example.com"})
	assert.Contains(t, minimal, "https://example.com")
	assert.NotContains(t, minimal, "repository")
	assert.NotContains(t, minimal, "instructions")
}

func TestNewExecutorRequiresAPIKey(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Agent.APIKey = ""

	_, err := NewExecutor(&config.Agent, arbor.NewLogger())
	assert.Error(t, err)
}
