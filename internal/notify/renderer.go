package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	"text/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/djlord-it/tokenward/internal/domain"
)

// Template is a message definition. Body is markdown; Text, when set, is
// sent as the plain-text alternative instead of the raw rendered markdown.
type Template struct {
	ID      string
	Subject string
	Body    string
	Text    string
}

// Message is a rendered notification ready for a transport.
type Message struct {
	To             string
	Subject        string
	HTML           string
	Text           string
	IdempotencyKey string
}

type compiled struct {
	subject *template.Template
	body    *template.Template
	text    *template.Template // optional
}

// templateData is what templates see as dot.
type templateData struct {
	Recipient string
	Params    map[string]string
}

type Renderer struct {
	templates map[string]compiled
	markdown  goldmark.Markdown
}

// NewRenderer parses every template up front. A template referencing an
// unknown parameter fails at render time.
func NewRenderer(templates []Template) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[string]compiled, len(templates)),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template id is required")
		}
		if _, dup := r.templates[t.ID]; dup {
			return nil, fmt.Errorf("template %s: duplicate id", t.ID)
		}
		c, err := compile(t)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		r.templates[t.ID] = c
	}
	return r, nil
}

func compile(t Template) (compiled, error) {
	var c compiled
	var err error
	if c.subject, err = parse(t.ID+".subject", t.Subject); err != nil {
		return c, err
	}
	if c.body, err = parse(t.ID+".body", t.Body); err != nil {
		return c, err
	}
	if t.Text != "" {
		if c.text, err = parse(t.ID+".text", t.Text); err != nil {
			return c, err
		}
	}
	return c, nil
}

func parse(name, src string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Parse(src)
}

func (r *Renderer) Has(templateID string) bool {
	_, ok := r.templates[templateID]
	return ok
}

// IDs returns the template ids, sorted.
func (r *Renderer) IDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render produces the message for payload. Failures are permanent: the
// same payload will never render on a retry.
func (r *Renderer) Render(payload domain.JobPayload) (Message, error) {
	c, ok := r.templates[payload.TemplateID]
	if !ok {
		return Message{}, domain.Permanent(fmt.Errorf("unknown template %q", payload.TemplateID))
	}
	if strings.TrimSpace(payload.Recipient) == "" {
		return Message{}, domain.Permanent(fmt.Errorf("template %s: recipient is required", payload.TemplateID))
	}

	params := payload.Params
	if params == nil {
		params = map[string]string{}
	}
	plainData := templateData{Recipient: payload.Recipient, Params: params}

	subject, err := execute(c.subject, plainData)
	if err != nil {
		return Message{}, domain.Permanent(err)
	}
	subject = strings.Join(strings.Fields(subject), " ")

	// params are HTML-escaped before markdown conversion
	escaped := make(map[string]string, len(params))
	for k, v := range params {
		escaped[k] = htmltemplate.HTMLEscapeString(v)
	}
	source, err := execute(c.body, templateData{Recipient: htmltemplate.HTMLEscapeString(payload.Recipient), Params: escaped})
	if err != nil {
		return Message{}, domain.Permanent(err)
	}
	var htmlBody bytes.Buffer
	if err := r.markdown.Convert([]byte(source), &htmlBody); err != nil {
		return Message{}, domain.Permanent(fmt.Errorf("markdown: %w", err))
	}

	text := ""
	if c.text != nil {
		if text, err = execute(c.text, plainData); err != nil {
			return Message{}, domain.Permanent(err)
		}
	} else if text, err = execute(c.body, plainData); err != nil {
		return Message{}, domain.Permanent(err)
	}

	return Message{
		To:      payload.Recipient,
		Subject: subject,
		HTML:    htmlBody.String(),
		Text:    text,
	}, nil
}

func execute(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
