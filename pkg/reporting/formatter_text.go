package reporting

import (
	"fmt"
	"strings"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// formatText generates a human-readable text report
func formatText(result *Result) (string, error) {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("INSTALLER ACCEPTANCE REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	sb.WriteString(fmt.Sprintf("Scenario:     %s\n", result.Scenario.Name))
	if result.Scenario.Description != "" {
		sb.WriteString(fmt.Sprintf("Description:  %s\n", result.Scenario.Description))
	}
	sb.WriteString(fmt.Sprintf("Status:       %s\n", formatStatus(result.Status)))
	sb.WriteString(fmt.Sprintf("Duration:     %.2fs\n", result.Duration))
	sb.WriteString(fmt.Sprintf("Started:      %s\n", result.StartTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Completed:    %s\n", result.EndTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Run ID:       %s\n\n", result.RunID))

	sb.WriteString("PHASES\n")
	sb.WriteString(strings.Repeat("-", 6) + "\n")
	for i, p := range result.Phases {
		sb.WriteString(fmt.Sprintf("[%02d] %s %s (%.2fs)\n", i+1, statusSymbol(p.Status), p.Name, p.Duration))
	}
	sb.WriteString("\n")

	sb.WriteString("PHASE SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 13) + "\n")
	sb.WriteString(fmt.Sprintf("Total:   %d\n", result.Summary.Total))
	sb.WriteString(fmt.Sprintf("Passed:  %d (%.1f%%)\n", result.Summary.Passed, result.Summary.PassRate*100))
	sb.WriteString(fmt.Sprintf("Failed:  %d\n", result.Summary.Failed))
	sb.WriteString(fmt.Sprintf("Skipped: %d\n\n", result.Summary.Skipped))

	if failures := result.Failures(); len(failures) > 0 {
		sb.WriteString("FAILURES\n")
		sb.WriteString(strings.Repeat("-", 8) + "\n")
		for i, p := range failures {
			sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, p.Name))
			sb.WriteString(fmt.Sprintf("    Message:  %s\n\n", wrapText(p.Message, 14)))
		}
	}

	return sb.String(), nil
}

// formatSummary formats a concise summary for stdout
func formatSummary(result *Result, reportDir string) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("TEST SUMMARY\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString(fmt.Sprintf("Scenario: %s\n", result.Scenario.Name))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", formatStatus(result.Status)))
	sb.WriteString(fmt.Sprintf("Duration: %.2fs\n", result.Duration))
	sb.WriteString(fmt.Sprintf("Phases:   %d total, %d passed, %d failed, %d skipped\n",
		result.Summary.Total,
		result.Summary.Passed,
		result.Summary.Failed,
		result.Summary.Skipped))

	if failures := result.Failures(); len(failures) > 0 {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%sQuick Failure Summary:%s\n", colorRed, colorReset))
		for i, p := range failures {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, p.Name))
		}
	}

	if reportDir != "" {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("Full report: %s/report.txt\n", reportDir))
	}
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	return sb.String()
}

func formatStatus(s Status) string {
	switch s {
	case StatusPassed:
		return colorGreen + "PASSED" + colorReset
	case StatusFailed:
		return colorRed + "FAILED" + colorReset
	case StatusSkipped:
		return colorYellow + "SKIPPED" + colorReset
	default:
		return colorGray + strings.ToUpper(string(s)) + colorReset
	}
}

func statusSymbol(s Status) string {
	switch s {
	case StatusPassed:
		return colorGreen + "✓" + colorReset
	case StatusFailed:
		return colorRed + "✗" + colorReset
	default:
		return colorGray + "-" + colorReset
	}
}

// wrapText indents continuation lines of a multi-line message.
func wrapText(text string, indent int) string {
	return strings.ReplaceAll(strings.TrimSpace(text), "\n", "\n"+strings.Repeat(" ", indent))
}
