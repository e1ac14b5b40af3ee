package notify

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	alarms "iot-alerting/internal/alarms/domain"
)

//go:embed templates.yaml
var defaultTemplates []byte

// TemplateSource is the raw subject and body of one channel type's template.
type TemplateSource struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// TemplateData is the flat field set templates render from. Unknown fields render empty.
type TemplateData map[string]string

type channelTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Templates renders notification content per channel type.
type Templates struct {
	byType map[alarms.ChannelType]channelTemplate
}

// Rendered is the output of one render.
type Rendered struct {
	Subject string
	Body    string
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	},
}

// NewTemplates parses the built-in templates and applies overrides from a YAML file
// keyed by channel type. An empty path uses the defaults only.
func NewTemplates(overridesPath string) (*Templates, error) {
	var overrides []byte
	if overridesPath != "" {
		raw, err := os.ReadFile(overridesPath)
		if err != nil {
			return nil, fmt.Errorf("alarm template: read overrides: %w", err)
		}
		overrides = raw
	}
	return ParseTemplates(overrides)
}

// ParseTemplates parses the built-in templates and applies YAML overrides.
func ParseTemplates(overrides []byte) (*Templates, error) {
	sources := map[string]TemplateSource{}
	if err := yaml.Unmarshal(defaultTemplates, &sources); err != nil {
		return nil, fmt.Errorf("alarm template: defaults: %w", err)
	}
	if len(bytes.TrimSpace(overrides)) > 0 {
		custom := map[string]TemplateSource{}
		if err := yaml.Unmarshal(overrides, &custom); err != nil {
			return nil, fmt.Errorf("alarm template: overrides: %w", err)
		}
		for name, src := range custom {
			if !alarms.ChannelType(name).Valid() {
				return nil, fmt.Errorf("alarm template: unknown channel type %q", name)
			}
			base := sources[name]
			if src.Subject != "" {
				base.Subject = src.Subject
			}
			if src.Body != "" {
				base.Body = src.Body
			}
			sources[name] = base
		}
	}

	t := &Templates{byType: make(map[alarms.ChannelType]channelTemplate, len(sources))}
	for name, src := range sources {
		compiled, err := compile(name, src)
		if err != nil {
			return nil, err
		}
		t.byType[alarms.ChannelType(name)] = compiled
	}
	return t, nil
}

func compile(name string, src TemplateSource) (channelTemplate, error) {
	var (
		out channelTemplate
		err error
	)
	if src.Subject != "" {
		out.subject, err = template.New(name + "-subject").Option("missingkey=zero").Funcs(templateFuncs).Parse(src.Subject)
		if err != nil {
			return channelTemplate{}, fmt.Errorf("alarm template: %s subject: %w", name, err)
		}
	}
	out.body, err = template.New(name + "-body").Option("missingkey=zero").Funcs(templateFuncs).Parse(src.Body)
	if err != nil {
		return channelTemplate{}, fmt.Errorf("alarm template: %s body: %w", name, err)
	}
	return out, nil
}

// Render applies the channel type's template to data.
func (t *Templates) Render(channelType alarms.ChannelType, data TemplateData) (Rendered, error) {
	if t == nil {
		return Rendered{}, errors.New("alarm template: nil")
	}
	tpl, ok := t.byType[channelType]
	if !ok || tpl.body == nil {
		return Rendered{}, fmt.Errorf("alarm template: no template for %q", channelType)
	}
	var out Rendered
	if tpl.subject != nil {
		subject, err := execute(tpl.subject, data)
		if err != nil {
			return Rendered{}, err
		}
		out.Subject = subject
	}
	body, err := execute(tpl.body, data)
	if err != nil {
		return Rendered{}, err
	}
	out.Body = body
	return out, nil
}

func execute(tpl *template.Template, data TemplateData) (string, error) {
	if data == nil {
		data = TemplateData{}
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]string(data)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildTemplateData flattens an alarm into template fields. fired_at is rendered in loc.
func BuildTemplateData(alarm alarms.Alarm, deviceName string, loc *time.Location, alarmURL string) TemplateData {
	if loc == nil {
		loc = time.UTC
	}
	if deviceName == "" {
		deviceName = alarm.DeviceID
	}
	data := TemplateData{
		"alarm_id":    alarm.ID,
		"alarm_url":   alarmURL,
		"tenant_id":   alarm.TenantID,
		"device_id":   alarm.DeviceID,
		"device_name": deviceName,
		"rule_id":     alarm.RuleID,
		"rule_name":   contextString(alarm.Context, "rule_name"),
		"metric":      contextString(alarm.Context, "metric"),
		"operator":    contextString(alarm.Context, "operator"),
		"value":       contextString(alarm.Context, "value"),
		"threshold":   contextString(alarm.Context, "threshold"),
		"severity":    string(alarm.Severity),
		"status":      string(alarm.Status),
		"source":      alarm.Source,
		"message":     alarm.Message,
	}
	if data["rule_name"] == "" {
		data["rule_name"] = alarm.RuleID
	}
	if !alarm.FiredAt.IsZero() {
		data["fired_at"] = alarm.FiredAt.In(loc).Format("2006-01-02 15:04:05 MST")
	}
	return data
}

func contextString(ctx map[string]any, key string) string {
	value, ok := ctx[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
