package script

import (
	"context"
	"strings"

	"outreach-platform/internal/campaign"
	"outreach-platform/internal/contact"
)

// Renderer produces the opening line spoken (or handed to the voice agent)
// when a campaign call connects. Treated as a pure function of campaign +
// contact; richer template engines live outside this service.
type Renderer interface {
	Render(ctx context.Context, c campaign.Campaign, ct contact.Contact) (string, error)
}

// MaxScriptLength bounds the rendered opening line.
const MaxScriptLength = 1000

// TemplateRenderer substitutes a fixed set of placeholders.
type TemplateRenderer struct{}

func NewTemplateRenderer() *TemplateRenderer { return &TemplateRenderer{} }

func (r *TemplateRenderer) Render(ctx context.Context, c campaign.Campaign, ct contact.Contact) (string, error) {
	out := c.Script
	repl := strings.NewReplacer(
		"{{contact_name}}", ct.Name,
		"{{contact_email}}", ct.Email,
		"{{contact_phone}}", ct.Phone,
		"{{campaign_name}}", c.Name,
	)
	out = repl.Replace(out)
	out = strings.TrimSpace(out)
	if len(out) > MaxScriptLength {
		out = out[:MaxScriptLength]
	}
	return out, nil
}
