package doctor

import (
	"fmt"
	"strings"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"

// FormatReport formats findings for display
func FormatReport(findings []Finding) string {
	var sb strings.Builder
	sb.Grow(512 + len(findings)*256)

	sb.WriteString("\n" + rule)
	sb.WriteString("DOCTOR REPORT\n")
	sb.WriteString(rule + "\n")

	counts := make(map[Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
		sb.WriteString(formatFinding(f))
		sb.WriteString("\n")
	}

	sb.WriteString(rule)
	if len(findings) == 0 {
		sb.WriteString("SUMMARY: No problems found ✓\n")
	} else {
		var parts []string
		for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityInfo} {
			if counts[sev] > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", counts[sev], sev))
			}
		}
		sb.WriteString(fmt.Sprintf("SUMMARY: %d findings\n", len(findings)))
		sb.WriteString("  " + strings.Join(parts, ", ") + "\n")
	}
	sb.WriteString(rule)
	return sb.String()
}

func formatFinding(f Finding) string {
	var sb strings.Builder
	marker := ""
	if f.Severity == SeverityError {
		marker = " ✗"
	} else if f.Severity == SeverityWarning {
		marker = " ⚠️"
	}
	sb.WriteString(fmt.Sprintf("[%s]%s\n", f.Type, marker))
	sb.WriteString(fmt.Sprintf("  %s\n", f.Subject))
	sb.WriteString(fmt.Sprintf("    %s\n", f.Detail))
	if f.Hint != "" {
		sb.WriteString(fmt.Sprintf("    → %s\n", f.Hint))
	}
	return sb.String()
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}
