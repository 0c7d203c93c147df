// -----------------------------------------------------------------------
// Agent Executor - Claude-driven penetration test runner
// -----------------------------------------------------------------------

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/common"
	"github.com/ternarybob/talon/internal/interfaces"
	"github.com/ternarybob/talon/internal/models"
)

const (
	findingMarker  = "FINDING:"
	progressMarker = "PROGRESS:"
	reportMarker   = "REPORT:"

	systemPrompt = `You are an authorized security assessment agent. The operator has explicit
permission to test the target. Work methodically: reconnaissance, surface
mapping, then targeted checks for the OWASP Top 10 classes.

Report strictly line by line using these forms:
  PROGRESS: <one-line status of what you are doing now>
  FINDING: {"title": "...", "severity": "low|medium|high|critical", "content": "..."}
  REPORT: <markdown summary of the whole assessment, only when finished>

Everything after a REPORT: line is the final report. Emit it exactly once,
when no further checks remain.`
)

// findingLine is the wire shape the agent uses to report a finding.
type findingLine struct {
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Content  string `json:"content"`
}

// Executor runs penetration test scans through the Anthropic API. Each scan
// is a multi-turn conversation: the agent streams progress and findings as
// marked lines and finishes with a report. One Executor is shared by all
// scans; per-scan state lives on the goroutine's stack.
type Executor struct {
	config *common.AgentConfig
	logger arbor.ILogger
	client *anthropic.Client
}

// NewExecutor creates the Claude-backed scan executor.
func NewExecutor(config *common.AgentConfig, logger arbor.ILogger) (*Executor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or agent.api_key in config)")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	logger.Debug().
		Str("model", config.Model).
		Int("max_turns", config.MaxTurns).
		Int("max_tokens", config.MaxTokens).
		Msg("Agent executor initialized")

	return &Executor{
		config: config,
		logger: logger,
		client: &client,
	}, nil
}

// Execute runs one scan to completion. It converses with the model turn by
// turn, forwarding progress and findings through callbacks as they appear,
// until the agent emits its report or the turn budget runs out. Returns the
// report text.
func (e *Executor) Execute(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
	log := e.logger.WithCorrelationId(input.ScanID)

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(buildTaskPrompt(input))),
	}

	for turn := 0; turn < e.config.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("scan interrupted: %w", err)
		}

		log.Debug().Int("turn", turn+1).Msg("Requesting agent turn")

		text, err := e.complete(ctx, messages)
		if err != nil {
			return "", err
		}

		report, done := e.processTurn(input.ScanID, text, callbacks)
		if done {
			log.Debug().Int("turns_used", turn+1).Msg("Agent produced final report")
			return report, nil
		}

		messages = append(messages,
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)),
			anthropic.NewUserMessage(anthropic.NewTextBlock("Continue the assessment. Emit REPORT: when finished.")),
		)
	}

	return "", fmt.Errorf("agent did not finish within %d turns", e.config.MaxTurns)
}

// complete makes one Messages API call and returns the concatenated text blocks.
func (e *Executor) complete(ctx context.Context, messages []anthropic.MessageParam) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.config.Model),
		MaxTokens: int64(e.config.MaxTokens),
		Messages:  messages,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("agent API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("agent returned an empty response")
	}

	return text.String(), nil
}

// processTurn walks one turn's output line by line, dispatching progress and
// finding lines through the callbacks. When a REPORT: line appears, it and
// everything after it become the final report and done is true.
func (e *Executor) processTurn(scanID, text string, callbacks interfaces.ScanCallbacks) (string, bool) {
	lines := strings.Split(text, "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, reportMarker):
			report := strings.TrimSpace(strings.TrimPrefix(trimmed, reportMarker))
			if rest := strings.Join(lines[i+1:], "\n"); strings.TrimSpace(rest) != "" {
				report = strings.TrimSpace(report + "\n" + rest)
			}
			return report, true

		case strings.HasPrefix(trimmed, progressMarker):
			message := strings.TrimSpace(strings.TrimPrefix(trimmed, progressMarker))
			if message != "" && callbacks.OnProgress != nil {
				callbacks.OnProgress(message)
			}

		case strings.HasPrefix(trimmed, findingMarker):
			if finding, err := parseFinding(trimmed); err != nil {
				e.logger.Warn().Err(err).Str("scan_id", scanID).Msg("Discarding malformed finding line")
			} else if callbacks.OnFinding != nil {
				callbacks.OnFinding(finding)
			}
		}
	}

	return "", false
}

// parseFinding decodes a FINDING: line into a Finding. Unknown severities
// are rejected rather than guessed.
func parseFinding(line string) (models.Finding, error) {
	payload := strings.TrimSpace(strings.TrimPrefix(line, findingMarker))

	var raw findingLine
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return models.Finding{}, fmt.Errorf("invalid finding JSON: %w", err)
	}
	if strings.TrimSpace(raw.Title) == "" {
		return models.Finding{}, fmt.Errorf("finding is missing a title")
	}

	severity, err := models.ParseSeverity(strings.ToLower(strings.TrimSpace(raw.Severity)))
	if err != nil {
		return models.Finding{}, err
	}

	return models.Finding{
		ID:           uuid.New().String(),
		Title:        strings.TrimSpace(raw.Title),
		Severity:     severity,
		Body:         strings.TrimSpace(raw.Content),
		DiscoveredAt: time.Now().UTC(),
	}, nil
}

// buildTaskPrompt renders the opening user message for a scan.
func buildTaskPrompt(input interfaces.ScanInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assess the following target.\n\nTarget URL: %s\n", input.Target)
	if input.RepoURL != "" {
		fmt.Fprintf(&b, "Source repository: %s\n", input.RepoURL)
	}
	if input.Instructions != "" {
		fmt.Fprintf(&b, "\nOperator instructions:\n%s\n", input.Instructions)
	}
	return b.String()
}
