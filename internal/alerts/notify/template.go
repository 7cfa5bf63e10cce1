package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[{{.Title}}]
Account: {{.AccountID}}
Outlet: {{.Outlet}}
{{.Message}}
{{- if .Balance }}
Balance: {{.Balance}}
{{- end }}
{{- if .Power }}
Load: {{.Power}} W
{{- end }}
Time: {{.OccurredAt}}`

// TemplateData provides fields for rendering alert content.
type TemplateData struct {
	Event      string
	Title      string
	Message    string
	AccountID  string
	Outlet     string
	Balance    string
	Power      string
	OccurredAt string
}

// Template renders alert content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses an alert template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("billing-alert").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
