package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SensitiveDataFinding is a line that looks like a hardcoded credential.
type SensitiveDataFinding struct {
	Description string
	Line        int
	Preview     string // value redacted
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	description string
}{
	{
		regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		"GitHub token",
	},
	{
		regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
		"GitHub fine-grained token",
	},
	{
		regexp.MustCompile(`(?i)(token|auth[_-]?token|access[_-]?token|bearer)\s*=\s*['"][A-Za-z0-9_-]{15,}['"]`),
		"authentication token",
	},
}

// DetectSensitiveData scans config content for credentials that belong in
// the environment. The feed token is read from token_env, never from the file.
func DetectSensitiveData(content string) []SensitiveDataFinding {
	var findings []SensitiveDataFinding
	for i, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, p := range sensitivePatterns {
			if p.pattern.MatchString(line) {
				findings = append(findings, SensitiveDataFinding{
					Description: p.description,
					Line:        i + 1,
					Preview:     redactSensitiveValue(line),
				})
				break
			}
		}
	}
	return findings
}

func redactSensitiveValue(line string) string {
	eq := strings.Index(line, "=")
	if eq == -1 {
		if len(line) > 12 {
			return strings.TrimSpace(line[:12]) + "... [REDACTED]"
		}
		return "[REDACTED]"
	}
	return strings.TrimSpace(line[:eq]) + " = [REDACTED]"
}

// FormatSensitiveDataWarning renders findings for the user.
func FormatSensitiveDataWarning(findings []SensitiveDataFinding) string {
	if len(findings) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("possible credentials in configuration:\n")
	for _, f := range findings {
		fmt.Fprintf(&sb, "  line %d: %s (%s)\n", f.Line, f.Description, f.Preview)
	}
	sb.WriteString("set feed.token_env and export the token instead\n")
	return sb.String()
}
