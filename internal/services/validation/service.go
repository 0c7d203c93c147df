// -----------------------------------------------------------------------
// Validation Service - Target, repository and instruction safety checks
// -----------------------------------------------------------------------

package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/common"
)

// allowedSchemes are the only URL schemes accepted for scan targets.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// privatePatterns match loopback, link-local and RFC 1918 hosts plus
// non-web schemes. Targets matching any of these are rejected outside
// development mode.
var privatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)file:`),
	regexp.MustCompile(`(?i)ftp:`),
	regexp.MustCompile(`(?i)localhost`),
	regexp.MustCompile(`127\.0\.0\.1`),
	regexp.MustCompile(`0\.0\.0\.0`),
	regexp.MustCompile(`::1`),
	regexp.MustCompile(`169\.254\.`),
	regexp.MustCompile(`\b10\.`),
	regexp.MustCompile(`172\.(1[6-9]|2[0-9]|3[0-1])\.`),
	regexp.MustCompile(`192\.168\.`),
}

// repoPatterns are the accepted repository URL shapes.
var repoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^https://github\.com/[\w\-\.]+/[\w\-\.]+/?$`),
	regexp.MustCompile(`(?i)^git@github\.com:[\w\-\.]+/[\w\-\.]+\.git$`),
	regexp.MustCompile(`(?i)^https://gitlab\.com/[\w\-\.]+/[\w\-\.]+/?$`),
	regexp.MustCompile(`(?i)^https://bitbucket\.org/[\w\-\.]+/[\w\-\.]+/?$`),
}

// blockedKeywords are shell and exfiltration primitives that have no place
// in scan instructions. Matched on word boundaries so prose like "should"
// or "fresh" does not trip the "sh" check.
var blockedKeywords = []string{
	"rm -rf", "sudo", "chmod", "chown", "passwd", "shadow",
	"eval", "exec", "system", "shell", "bash", "sh",
	"curl", "wget", "nc", "netcat", "telnet", "ssh",
}

var keywordPatterns = compileKeywordPatterns()

func compileKeywordPatterns() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(blockedKeywords))
	for _, kw := range blockedKeywords {
		patterns[kw] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return patterns
}

// Service validates scan creation input before it reaches the lifecycle
// manager. Validation is synchronous and stateless.
type Service struct {
	config *common.Config
	logger arbor.ILogger
}

// NewService creates a validation service.
func NewService(config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		logger: logger,
	}
}

// ValidateScanInput checks all scan creation parameters, returning the
// trimmed values. The first failing check wins.
func (s *Service) ValidateScanInput(target, repoURL, instructions string) (string, string, string, error) {
	validTarget, err := s.ValidateTarget(target)
	if err != nil {
		return "", "", "", err
	}

	validRepo, err := s.ValidateRepoURL(repoURL)
	if err != nil {
		return "", "", "", err
	}

	validInstructions, err := s.ValidateInstructions(instructions)
	if err != nil {
		return "", "", "", err
	}

	return validTarget, validRepo, validInstructions, nil
}

// ValidateTarget checks that the target is a well-formed http(s) URL and,
// outside development mode, that it does not point at loopback, link-local
// or private address space.
func (s *Service) ValidateTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("target URL cannot be empty")
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid URL format")
	}

	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return "", fmt.Errorf("URL scheme must be http or https")
	}

	if parsed.Hostname() == "" {
		return "", fmt.Errorf("URL must have a valid hostname")
	}

	if !s.config.IsDevelopment() {
		for _, pattern := range privatePatterns {
			if pattern.MatchString(target) {
				s.logger.Warn().Str("target", target).Msg("Rejected private or local scan target")
				return "", fmt.Errorf("private or local addresses are not allowed")
			}
		}
	}

	return target, nil
}

// ValidateRepoURL checks the optional repository URL against the supported
// hosting providers. An empty value is valid and returns empty.
func (s *Service) ValidateRepoURL(repoURL string) (string, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return "", nil
	}

	for _, pattern := range repoPatterns {
		if pattern.MatchString(repoURL) {
			return repoURL, nil
		}
	}

	return "", fmt.Errorf("repository URL format not supported (GitHub, GitLab and Bitbucket are accepted)")
}

// ValidateInstructions checks the optional free-text instructions against
// the length limit and the blocked keyword list. An empty value is valid.
func (s *Service) ValidateInstructions(instructions string) (string, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return "", nil
	}

	if len(instructions) > s.config.Security.MaxInstructionLen {
		return "", fmt.Errorf("instructions too long (max %d characters)", s.config.Security.MaxInstructionLen)
	}

	for _, kw := range blockedKeywords {
		if keywordPatterns[kw].MatchString(instructions) {
			return "", fmt.Errorf("instructions contain blocked keyword: %s", kw)
		}
	}

	return instructions, nil
}
