package report

import (
	"fmt"
	"strings"
	"time"
)

// RenderText renders the plain-text projection, suitable for terminals
// and log attachments.
func (r *ExecutionReport) RenderText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Execution %s\n", r.ExecutionInfo.ID)
	fmt.Fprintf(&b, "Status:   %s\n", r.Summary.Status)
	fmt.Fprintf(&b, "File:     %s (channel %s)\n", r.ExecutionInfo.FileName, r.ExecutionInfo.Channel)
	fmt.Fprintf(&b, "Schema:   %s %s\n", r.ExecutionInfo.SchemaName, r.ExecutionInfo.SchemaVersion)
	fmt.Fprintf(&b, "Window:   %s - %s (%.2fs)\n",
		r.ExecutionInfo.StartTime.Format(time.RFC3339),
		r.ExecutionInfo.EndTime.Format(time.RFC3339),
		r.ExecutionInfo.DurationSeconds)
	fmt.Fprintf(&b, "Summary:  %d records, %d errors, %d warnings, %.1f%% success\n",
		r.Summary.TotalRecords, r.Summary.Errors, r.Summary.Warnings, r.Summary.SuccessRate)

	if len(r.Files.Statistics) > 0 {
		b.WriteString("\nFiles:\n")
		for _, s := range r.Files.Statistics {
			fmt.Fprintf(&b, "  %-20s %-30s rows=%-6d errors=%-4d warnings=%-4d %s\n",
				s.CatalogID, s.FileName, s.TotalRows, s.Errors, s.Warnings, s.Status)
		}
	}

	if len(r.Files.MissingFiles) > 0 {
		b.WriteString("\nMissing files:\n")
		for _, m := range r.Files.MissingFiles {
			fmt.Fprintf(&b, "  %s\n", m)
		}
	}

	if len(r.Files.FormatErrors) > 0 {
		b.WriteString("\nFormat errors:\n")
		for _, e := range r.Files.FormatErrors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}

	if len(r.Validation.Failures) > 0 {
		b.WriteString("\nFindings:\n")
		for _, f := range r.Validation.Failures {
			location := f.File
			if f.Line > 0 {
				location = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			if f.Column != "" {
				location = fmt.Sprintf("%s (%s)", location, f.Column)
			}
			fmt.Fprintf(&b, "  [%s] %s %s: %s\n", f.Severity, location, f.Rule, f.Message)
		}
	}

	if len(r.Validation.SkippedRules) > 0 {
		b.WriteString("\nSkipped rules:\n")
		for _, s := range r.Validation.SkippedRules {
			fmt.Fprintf(&b, "  %s\n", s)
		}
	}

	if len(r.Events) > 0 {
		b.WriteString("\nEvents:\n")
		for _, e := range r.Events {
			fmt.Fprintf(&b, "  %s [%s] %s\n", e.Time.Format(time.RFC3339), e.Stage, e.Message)
		}
	}

	return b.String()
}
