// Package report builds the canonical execution report. The in-memory
// ExecutionReport is the single source of truth; the JSON, HTML and
// plain-text renderings are pure projections of it and never diverge in
// content, only in presentation.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veridata-io/veridata/internal/rules"
)

// ExecutionInfo holds execution metadata.
type ExecutionInfo struct {
	// ID is the execution identifier; identical to the working
	// directory name and the ledger record id.
	ID string `json:"id"`

	// StartTime and EndTime bound the execution.
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// DurationSeconds is EndTime minus StartTime.
	DurationSeconds float64 `json:"duration_seconds"`

	// Channel is the originating submission channel.
	Channel string `json:"channel"`

	// SchemaName and SchemaVersion identify the schema applied.
	SchemaName    string `json:"schema_name"`
	SchemaVersion string `json:"schema_version"`

	// FileName is the submitted file.
	FileName string `json:"file_name"`
}

// Summary aggregates the execution outcome.
type Summary struct {
	// TotalRecords is the number of data rows across all catalogs.
	TotalRecords int `json:"total_records"`

	// Errors and Warnings count findings by severity.
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`

	// SuccessRate is the percentage of rows without error findings.
	SuccessRate float64 `json:"success_rate"`

	// Status is the overall judged status (Success, Partial, Failed).
	Status string `json:"status"`
}

// Files holds per-file statistics and file-level problems.
type Files struct {
	// Statistics holds one entry per processed catalog file.
	Statistics []rules.CatalogResult `json:"statistics"`

	// MissingFiles lists catalog ids whose required file never arrived.
	MissingFiles []string `json:"missing_files"`

	// FormatErrors lists file-level structure mismatches.
	FormatErrors []string `json:"format_errors"`
}

// Validation holds the full finding list and skipped rules.
type Validation struct {
	// Failures is the ordered list of findings.
	Failures []rules.Finding `json:"failures"`

	// SkippedRules lists rules that could not be evaluated.
	SkippedRules []string `json:"skipped_rules"`
}

// Event is one entry in the chronological event log.
type Event struct {
	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Stage names the pipeline stage emitting the event.
	Stage string `json:"stage"`

	// Message describes the event.
	Message string `json:"message"`
}

// ExecutionReport is the canonical report object.
type ExecutionReport struct {
	ExecutionInfo ExecutionInfo `json:"execution_info"`
	Summary       Summary       `json:"summary"`
	Files         Files         `json:"files"`
	Validation    Validation    `json:"validation"`
	Events        []Event       `json:"events"`

	sealed bool
}

// Seal builds the canonical report from the evaluation result and the
// execution metadata. The report is immutable once sealed.
func Seal(info ExecutionInfo, result *rules.Result, missingFiles, formatErrors []string, events []Event) *ExecutionReport {
	info.DurationSeconds = info.EndTime.Sub(info.StartTime).Seconds()

	r := &ExecutionReport{
		ExecutionInfo: info,
		Files: Files{
			MissingFiles: missingFiles,
			FormatErrors: formatErrors,
		},
		Events: events,
		sealed: true,
	}

	totalRows := 0
	errorRows := 0
	anyFailed := false
	if result != nil {
		for _, cr := range result.Catalogs {
			r.Files.Statistics = append(r.Files.Statistics, *cr)
			totalRows += cr.TotalRows
			errorRows += cr.ErrorRows
			if cr.Status == rules.StatusFailed {
				anyFailed = true
			}
		}
		sortStatistics(r.Files.Statistics)
		r.Validation.Failures = result.Findings
		r.Validation.SkippedRules = result.SkippedRules
		r.Summary.Errors = result.ErrorCount()
		r.Summary.Warnings = result.WarningCount()
	}

	r.Summary.TotalRecords = totalRows
	if totalRows > 0 {
		r.Summary.SuccessRate = float64(totalRows-errorRows) / float64(totalRows) * 100
	}
	r.Summary.Status = overallStatus(anyFailed, r.Summary.Errors, len(formatErrors), len(missingFiles), len(r.Files.Statistics))

	return r
}

// overallStatus judges the execution as a whole: any failed catalog (or
// nothing processed at all) fails the execution; any error, format
// problem or missing file makes it Partial; otherwise Success.
func overallStatus(anyFailed bool, errors, formatErrors, missing, processed int) string {
	if anyFailed || (processed == 0 && formatErrors > 0) {
		return string(rules.StatusFailed)
	}
	if errors > 0 || formatErrors > 0 || missing > 0 {
		return string(rules.StatusPartial)
	}
	return string(rules.StatusSuccess)
}

func sortStatistics(stats []rules.CatalogResult) {
	for i := 1; i < len(stats); i++ {
		for j := i; j > 0 && stats[j].CatalogID < stats[j-1].CatalogID; j-- {
			stats[j], stats[j-1] = stats[j-1], stats[j]
		}
	}
}

// JSON returns the canonical serialization.
func (r *ExecutionReport) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ParseJSON re-parses a serialized report.
func ParseJSON(data []byte) (*ExecutionReport, error) {
	var r ExecutionReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &r, nil
}

// Write writes the JSON, HTML and text projections into dir. The report
// files are written exactly once per execution.
func (r *ExecutionReport) Write(dir string) error {
	if !r.sealed {
		return fmt.Errorf("report not sealed")
	}

	data, err := r.JSON()
	if err != nil {
		return fmt.Errorf("serialize report: %w", err)
	}

	html, err := r.RenderHTML()
	if err != nil {
		return fmt.Errorf("render html report: %w", err)
	}

	text := r.RenderText()

	for _, out := range []struct {
		name string
		data []byte
	}{
		{"report.json", data},
		{"report.html", []byte(html)},
		{"report.txt", []byte(text)},
	} {
		path := filepath.Join(dir, out.name)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("report already written: %s", path)
		}
		if err := os.WriteFile(path, out.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out.name, err)
		}
	}

	return nil
}
