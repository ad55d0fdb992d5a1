// Package composer renders outgoing DM text from named templates.
package composer

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// DefaultTemplateID is used when a send task names no template.
const DefaultTemplateID = "default"

var builtins = map[string]string{
	DefaultTemplateID: "Hi {{.Username}}! Loved your recent posts. Would you be open to a collaboration?",
	"intro":           "Hey {{.Username}}, your {{.Category}} content stood out to us ({{.Followers}} followers is no accident). Interested in partnering?",
	"followup":        "Hi {{.Username}}, just following up on our earlier message. Still keen to work together!",
}

// TemplateComposer implements domain.MessageComposer on text/template.
type TemplateComposer struct {
	templates map[string]*template.Template
}

// New parses the built-in templates plus any overrides (id -> template text).
// Override parsing fails fast so a bad template never reaches send time.
func New(overrides map[string]string) (*TemplateComposer, error) {
	templates := make(map[string]*template.Template, len(builtins)+len(overrides))
	for id, text := range builtins {
		templates[id] = template.Must(template.New(id).Parse(text))
	}
	for id, text := range overrides {
		tpl, err := template.New(id).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("op=composer.New template=%s: %w", id, err)
		}
		templates[id] = tpl
	}
	return &TemplateComposer{templates: templates}, nil
}

// Compose implements domain.MessageComposer.
func (c *TemplateComposer) Compose(_ domain.Context, cc domain.ComposeContext, templateID string) (string, error) {
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	tpl, ok := c.templates[templateID]
	if !ok {
		return "", fmt.Errorf("op=composer.Compose: unknown template %q: %w", templateID, domain.ErrInvalidArgument)
	}
	var b strings.Builder
	if err := tpl.Execute(&b, cc); err != nil {
		return "", fmt.Errorf("op=composer.Compose template=%s: %w", templateID, err)
	}
	return strings.TrimSpace(b.String()), nil
}
