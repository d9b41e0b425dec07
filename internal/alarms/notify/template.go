package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Alarm {{.EventLabel}}]
Tenant: {{.TenantID}}
Point: {{.PointID}}
{{- if .DeviceID }}
Device: {{.DeviceID}}
{{- end }}
Rule: {{.RuleID}}
Condition: {{.Condition}}
Trigger Value: {{.TriggerValue}}
Severity: {{.Severity}}
State: {{.State}}
{{- if .EscalationLevel }}
Escalation Level: {{.EscalationLevel}}
{{- end }}
{{- if .Actor }}
By: {{.Actor}}
{{- end }}
Time: {{.Time}}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event           string
	EventLabel      string
	TenantID        string
	PointID         string
	DeviceID        string
	RuleID          string
	Condition       string
	TriggerValue    string
	Severity        string
	State           string
	EscalationLevel int
	Actor           string
	Time            string
	Suggestion      string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to
// DefaultTemplate when tpl is empty.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alarm-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alarm template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
