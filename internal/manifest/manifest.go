// Package manifest loads the YAML file declaring triggers and message
// templates.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/tokenward/internal/cron"
	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/notify"
)

type Manifest struct {
	Triggers  []Trigger  `yaml:"triggers"`
	Templates []Template `yaml:"templates"`
}

type Trigger struct {
	ID        string            `yaml:"id"`
	Cron      string            `yaml:"cron,omitempty"`
	Timezone  string            `yaml:"timezone,omitempty"`
	Interval  string            `yaml:"interval,omitempty"`
	At        string            `yaml:"at,omitempty"`
	StartAt   string            `yaml:"start_at,omitempty"`
	Template  string            `yaml:"template"`
	Recipient string            `yaml:"recipient"`
	Params    map[string]string `yaml:"params,omitempty"`
	Misfire   string            `yaml:"misfire,omitempty"`
}

type Template struct {
	ID      string `yaml:"id"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
	Text    string `yaml:"text,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest. Unknown fields are rejected.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FieldError is one problem found by Validate.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors is every problem found by Validate.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d manifest errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks every trigger and template. It returns Errors or nil.
func (m *Manifest) Validate() error {
	var errs Errors
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	templates := make(map[string]bool, len(m.Templates))
	for i, t := range m.Templates {
		field := fmt.Sprintf("templates[%d]", i)
		switch {
		case t.ID == "":
			add(field+".id", "required")
		case templates[t.ID]:
			add(field+".id", "duplicate %q", t.ID)
		}
		templates[t.ID] = true
		if t.Subject == "" {
			add(field+".subject", "required")
		}
		if t.Body == "" {
			add(field+".body", "required")
		}
	}
	if len(errs) == 0 {
		if _, err := notify.NewRenderer(m.NotifyTemplates()); err != nil {
			add("templates", "%v", err)
		}
	}

	parser := cron.NewParser()
	seen := make(map[string]bool, len(m.Triggers))
	for i, t := range m.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		if t.ID != "" {
			field = fmt.Sprintf("triggers[%s]", t.ID)
		}
		switch {
		case t.ID == "":
			add(field+".id", "required")
		case seen[t.ID]:
			add(field+".id", "duplicate %q", t.ID)
		}
		seen[t.ID] = true

		kinds := 0
		for _, set := range []bool{t.Cron != "", t.Interval != "", t.At != ""} {
			if set {
				kinds++
			}
		}
		if kinds != 1 {
			add(field, "exactly one of cron, interval or at is required")
		}
		if t.Cron != "" {
			if _, err := parser.Parse(t.Cron, t.Timezone); err != nil {
				add(field+".cron", "%v", err)
			}
		} else if t.Timezone != "" {
			add(field+".timezone", "only valid with cron")
		}
		if t.Interval != "" {
			if d, err := time.ParseDuration(t.Interval); err != nil {
				add(field+".interval", "invalid duration: %v", err)
			} else if d <= 0 {
				add(field+".interval", "must be positive")
			}
		}
		if t.At != "" {
			if _, err := time.Parse(time.RFC3339, t.At); err != nil {
				add(field+".at", "must be RFC3339: %v", err)
			}
		}
		if t.StartAt != "" {
			if _, err := time.Parse(time.RFC3339, t.StartAt); err != nil {
				add(field+".start_at", "must be RFC3339: %v", err)
			}
		}
		if t.Misfire != "" && !domain.MisfirePolicy(t.Misfire).Valid() {
			add(field+".misfire", "unknown policy %q", t.Misfire)
		}
		if t.Template == "" {
			add(field+".template", "required")
		} else if !templates[t.Template] {
			add(field+".template", "unknown template %q", t.Template)
		}
		if t.Recipient == "" {
			add(field+".recipient", "required")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// DomainTriggers converts the validated triggers.
func (m *Manifest) DomainTriggers() []domain.Trigger {
	out := make([]domain.Trigger, 0, len(m.Triggers))
	for _, t := range m.Triggers {
		out = append(out, t.toDomain())
	}
	return out
}

func (t Trigger) toDomain() domain.Trigger {
	tr := domain.Trigger{
		ID:      t.ID,
		Misfire: domain.MisfirePolicy(t.Misfire),
		Payload: domain.JobPayload{
			TemplateID: t.Template,
			Recipient:  t.Recipient,
			Params:     t.Params,
		},
	}
	switch {
	case t.Cron != "":
		tr.Schedule = domain.Schedule{Kind: domain.ScheduleKindCron, Cron: t.Cron, Timezone: t.Timezone}
	case t.Interval != "":
		d, _ := time.ParseDuration(t.Interval)
		tr.Schedule = domain.Schedule{Kind: domain.ScheduleKindInterval, Interval: d}
	case t.At != "":
		at, _ := time.Parse(time.RFC3339, t.At)
		tr.Schedule = domain.Schedule{Kind: domain.ScheduleKindOnce, At: at.UTC()}
	}
	if t.StartAt != "" {
		tr.StartAt, _ = time.Parse(time.RFC3339, t.StartAt)
	}
	return tr
}

// NotifyTemplates converts the templates for notify.NewRenderer.
func (m *Manifest) NotifyTemplates() []notify.Template {
	out := make([]notify.Template, 0, len(m.Templates))
	for _, t := range m.Templates {
		out = append(out, notify.Template{ID: t.ID, Subject: t.Subject, Body: t.Body, Text: t.Text})
	}
	return out
}
