package notify

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	alarmapp "asset-alerting/internal/alarms/application"
	alarms "asset-alerting/internal/alarms/domain"
)

// TemplateData provides fields for rendering publish messages.
type TemplateData struct {
	RuleID    string
	RuleName  string
	AssetID   string
	Timestamp string
	Trigger   string
	Value     any
	Data      any
}

// Template renders publish action messages written with text/template
// placeholders, e.g. "{{.RuleName}} on {{.AssetID}}: {{get .Value \"temperature\"}}".
// Messages without placeholders pass through unchanged.
type Template struct {
	mu     sync.RWMutex
	parsed map[string]*template.Template
}

// NewTemplate constructs a renderer.
func NewTemplate() *Template {
	return &Template{parsed: make(map[string]*template.Template)}
}

// RenderMessage implements application.MessageRenderer.
func (t *Template) RenderMessage(text string, payload alarmapp.WebhookPayload) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tpl, err := t.lookup(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, newTemplateData(payload)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (t *Template) lookup(text string) (*template.Template, error) {
	t.mu.RLock()
	tpl, ok := t.parsed[text]
	t.mu.RUnlock()
	if ok {
		return tpl, nil
	}
	tpl, err := template.New("publish-message").Option("missingkey=zero").Funcs(template.FuncMap{
		"get": get,
	}).Parse(text)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.parsed[text] = tpl
	t.mu.Unlock()
	return tpl, nil
}

func newTemplateData(payload alarmapp.WebhookPayload) TemplateData {
	data := TemplateData{
		RuleID:   payload.RuleID,
		RuleName: payload.RuleName,
		AssetID:  payload.AssetID,
		Data:     payload.Data,
	}
	if !payload.Timestamp.IsZero() {
		data.Timestamp = payload.Timestamp.UTC().Format(time.RFC3339)
	}
	if m, ok := payload.Data.(map[string]any); ok {
		data.Value = m["value"]
		if trigger, ok := m["trigger"]; ok {
			data.Trigger = fmt.Sprint(trigger)
		}
	}
	return data
}

// get resolves a dotted path inside decoded data, returning "" when absent.
func get(data any, path string) any {
	value, ok := alarms.Lookup(data, path)
	if !ok {
		return ""
	}
	return value
}
