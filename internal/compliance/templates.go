package compliance

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	content, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(content)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	DocumentTitle string
	Report        *Report
	GeneratedAt   time.Time
}

// RenderReportHTML renders the compliance report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Compliance Report - {{.DocumentTitle}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .score { font-size: 2em; font-weight: bold; }
    .clause { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #2a7; }
    .clause.flagged { border-left-color: #c33; }
    .recommendation { color: #c33; font-style: italic; }
  </style>
</head>
<body>
  <h1>Compliance Report: {{.DocumentTitle}}</h1>
  <div class="meta">{{.Report.Domain}} | {{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  <p class="score">{{.Report.Score}}/100</p>
  <p>{{.Report.Analysis}}</p>
  {{range .Report.ClauseMatches}}
  <div class="clause{{if not .Compliant}} flagged{{end}}">
    <strong>{{.Title}}</strong> &mdash; {{if .Compliant}}Compliant{{else}}Non-compliant{{end}} ({{.Score}}%)
    <p>{{.Explanation}}</p>
    {{if .Recommendation}}<p class="recommendation">Recommendation: {{.Recommendation}}</p>{{end}}
  </div>
  {{end}}
</body>
</html>`
