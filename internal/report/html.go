package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// reportTemplate is the HTML-for-email projection of the canonical
// report. Content mirrors the JSON projection exactly; only the
// presentation differs.
const reportTemplate = `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 0; background-color: #f4f4f4; }
        .container { max-width: 700px; margin: 20px auto; background-color: white; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { background-color: {{.HeaderColor}}; color: white; padding: 20px; }
        .header h2 { margin: 0; }
        .content { padding: 20px; }
        .field { margin-bottom: 15px; }
        .field-label { font-weight: bold; color: #666; font-size: 12px; text-transform: uppercase; }
        .field-value { margin-top: 5px; color: #333; }
        table { border-collapse: collapse; width: 100%; margin-top: 10px; }
        th, td { border: 1px solid #e9ecef; padding: 6px 10px; font-size: 13px; text-align: left; }
        th { background-color: #f8f9fa; color: #666; text-transform: uppercase; font-size: 11px; }
        .status-badge { display: inline-block; padding: 4px 12px; border-radius: 4px; font-weight: bold; color: white; }
        .severity-error { color: #dc3545; font-weight: bold; }
        .severity-warning { color: #ffc107; font-weight: bold; }
        .severity-message { color: #17a2b8; }
        .footer { background-color: #f8f9fa; padding: 15px; text-align: center; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2>Execution {{.ID}}</h2>
        </div>
        <div class="content">
            <div class="field">
                <div class="field-label">Status</div>
                <div class="field-value">
                    <span class="status-badge" style="background-color: {{.HeaderColor}}">{{.Status}}</span>
                </div>
            </div>
            <div class="field">
                <div class="field-label">File</div>
                <div class="field-value">{{.FileName}} via {{.Channel}}</div>
            </div>
            <div class="field">
                <div class="field-label">Schema</div>
                <div class="field-value">{{.SchemaName}} {{.SchemaVersion}}</div>
            </div>
            <div class="field">
                <div class="field-label">Window</div>
                <div class="field-value">{{.Start}} &mdash; {{.End}} ({{.Duration}})</div>
            </div>
            <div class="field">
                <div class="field-label">Summary</div>
                <div class="field-value">{{.TotalRecords}} records, {{.Errors}} errors, {{.Warnings}} warnings, {{.SuccessRate}} success</div>
            </div>

            {{if .Statistics}}
            <div class="field">
                <div class="field-label">Files</div>
                <table>
                    <tr><th>Catalog</th><th>File</th><th>Rows</th><th>Errors</th><th>Warnings</th><th>Status</th></tr>
                    {{range .Statistics}}
                    <tr><td>{{.CatalogID}}</td><td>{{.FileName}}</td><td>{{.TotalRows}}</td><td>{{.Errors}}</td><td>{{.Warnings}}</td><td>{{.Status}}</td></tr>
                    {{end}}
                </table>
            </div>
            {{end}}

            {{if .MissingFiles}}
            <div class="field">
                <div class="field-label">Missing Files</div>
                <div class="field-value">{{range .MissingFiles}}{{.}} {{end}}</div>
            </div>
            {{end}}

            {{if .FormatErrors}}
            <div class="field">
                <div class="field-label">Format Errors</div>
                <div class="field-value">{{range .FormatErrors}}<div>{{.}}</div>{{end}}</div>
            </div>
            {{end}}

            {{if .Failures}}
            <div class="field">
                <div class="field-label">Findings</div>
                <table>
                    <tr><th>Severity</th><th>Location</th><th>Rule</th><th>Message</th></tr>
                    {{range .Failures}}
                    <tr><td class="severity-{{.Severity}}">{{.Severity}}</td><td>{{.Location}}</td><td>{{.Rule}}</td><td>{{.Message}}</td></tr>
                    {{end}}
                </table>
            </div>
            {{end}}
        </div>
        <div class="footer">
            Veridata Validation Engine
        </div>
    </div>
</body>
</html>
`

// reportTemplateData holds data for the HTML template.
type reportTemplateData struct {
	ID            string
	HeaderColor   string
	Status        string
	FileName      string
	Channel       string
	SchemaName    string
	SchemaVersion string
	Start         string
	End           string
	Duration      string
	TotalRecords  int
	Errors        int
	Warnings      int
	SuccessRate   string
	Statistics    []statRow
	MissingFiles  []string
	FormatErrors  []string
	Failures      []failureRow
}

type statRow struct {
	CatalogID string
	FileName  string
	TotalRows int
	Errors    int
	Warnings  int
	Status    string
}

type failureRow struct {
	Severity string
	Location string
	Rule     string
	Message  string
}

// RenderHTML renders the HTML-for-email projection.
func (r *ExecutionReport) RenderHTML() (string, error) {
	tmpl, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return "", fmt.Errorf("parse report template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, r.buildTemplateData()); err != nil {
		return "", fmt.Errorf("execute report template: %w", err)
	}

	return buf.String(), nil
}

// buildTemplateData projects the canonical report onto the template.
func (r *ExecutionReport) buildTemplateData() reportTemplateData {
	data := reportTemplateData{
		ID:            r.ExecutionInfo.ID,
		HeaderColor:   statusColor(r.Summary.Status),
		Status:        r.Summary.Status,
		FileName:      r.ExecutionInfo.FileName,
		Channel:       r.ExecutionInfo.Channel,
		SchemaName:    r.ExecutionInfo.SchemaName,
		SchemaVersion: r.ExecutionInfo.SchemaVersion,
		Start:         r.ExecutionInfo.StartTime.Format(time.RFC3339),
		End:           r.ExecutionInfo.EndTime.Format(time.RFC3339),
		Duration:      fmt.Sprintf("%.2fs", r.ExecutionInfo.DurationSeconds),
		TotalRecords:  r.Summary.TotalRecords,
		Errors:        r.Summary.Errors,
		Warnings:      r.Summary.Warnings,
		SuccessRate:   fmt.Sprintf("%.1f%%", r.Summary.SuccessRate),
		MissingFiles:  r.Files.MissingFiles,
		FormatErrors:  r.Files.FormatErrors,
	}

	for _, s := range r.Files.Statistics {
		data.Statistics = append(data.Statistics, statRow{
			CatalogID: s.CatalogID,
			FileName:  s.FileName,
			TotalRows: s.TotalRows,
			Errors:    s.Errors,
			Warnings:  s.Warnings,
			Status:    string(s.Status),
		})
	}

	for _, f := range r.Validation.Failures {
		location := f.File
		if f.Line > 0 {
			location = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		if f.Column != "" {
			location = fmt.Sprintf("%s (%s)", location, f.Column)
		}
		data.Failures = append(data.Failures, failureRow{
			Severity: string(f.Severity),
			Location: location,
			Rule:     f.Rule,
			Message:  f.Message,
		})
	}

	return data
}

func statusColor(status string) string {
	switch status {
	case "Success":
		return "#28a745"
	case "Partial":
		return "#ffc107"
	default:
		return "#dc3545"
	}
}
