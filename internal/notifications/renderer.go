package notifications

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template variants per event.
const (
	variantSMS          = "sms"
	variantChat         = "chat"
	variantEmailSubject = "email_subject"
	variantEmailHTML    = "email_html"
)

var textVariants = []string{variantSMS, variantChat, variantEmailSubject}

// Renderer renders notifications from templates.
type Renderer struct {
	text map[string]*texttemplate.Template
	html map[string]*htmltemplate.Template
}

// MessageData is the value templates are executed with.
type MessageData struct {
	Payload
	Name string
}

// Clock formats t in the queue's time zone on a 12-hour clock, e.g. "3:04pm".
func (d MessageData) Clock(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.In(d.Location()).Format("3:04pm")
}

// Ordinal formats a position as "1st", "2nd", "3rd", ...
func (d MessageData) Ordinal(n int) string {
	return ordinal(n)
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := map[string]any{
		"title":        titleCase,
		"upper":        strings.ToUpper,
		"lower":        strings.ToLower,
		"formatWait":   formatWait,
		"replyKeyword": replyKeyword,
		"formatSpent":  formatSpent,
	}

	r := &Renderer{
		text: make(map[string]*texttemplate.Template),
		html: make(map[string]*htmltemplate.Template),
	}

	for _, event := range AllEventTypes {
		for _, variant := range textVariants {
			name := templateName(event, variant)
			content, err := readTemplate(name)
			if err != nil {
				return nil, err
			}
			tmpl, err := texttemplate.New(name).Funcs(funcMap).Parse(content)
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}
			r.text[name] = tmpl
		}

		name := templateName(event, variantEmailHTML)
		content, err := readTemplate(name)
		if err != nil {
			return nil, err
		}
		tmpl, err := htmltemplate.New(name).Funcs(funcMap).Parse(content)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.html[name] = tmpl
	}

	return r, nil
}

// Render renders a payload for a channel. recipientName may be empty.
// The returned notification has no destination set.
func (r *Renderer) Render(channel domain.ChannelType, payload Payload, recipientName string) (Notification, error) {
	data := MessageData{Payload: payload, Name: recipientName}

	switch channel {
	case domain.ChannelTypeSMS:
		body, err := r.renderText(templateName(payload.EventType, variantSMS), data)
		if err != nil {
			return Notification{}, err
		}
		return Notification{Body: body}, nil

	case domain.ChannelTypeChat:
		body, err := r.renderText(templateName(payload.EventType, variantChat), data)
		if err != nil {
			return Notification{}, err
		}
		return Notification{Body: body}, nil

	case domain.ChannelTypeEmail:
		subject, err := r.renderText(templateName(payload.EventType, variantEmailSubject), data)
		if err != nil {
			return Notification{}, err
		}
		htmlBody, err := r.renderHTML(templateName(payload.EventType, variantEmailHTML), data)
		if err != nil {
			return Notification{}, err
		}
		// Plain-text fallback shares the SMS wording.
		body, err := r.renderText(templateName(payload.EventType, variantSMS), data)
		if err != nil {
			return Notification{}, err
		}
		return Notification{Subject: subject, Body: body, HTMLBody: htmlBody}, nil

	default:
		return Notification{}, fmt.Errorf("%w: channel %s", ErrUnknownTemplate, channel)
	}
}

func (r *Renderer) renderText(name string, data MessageData) (string, error) {
	tmpl, ok := r.text[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (r *Renderer) renderHTML(name string, data MessageData) (string, error) {
	tmpl, ok := r.html[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func templateName(event EventType, variant string) string {
	return fmt.Sprintf("%s_%s", event, variant)
}

func readTemplate(name string) (string, error) {
	filename := fmt.Sprintf("templates/%s.tmpl", name)
	content, err := templatesFS.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", filename, err)
	}
	return string(content), nil
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatWait(minutes int) string {
	if minutes <= 0 {
		return "now"
	}
	if minutes == 1 {
		return "about 1 minute"
	}
	hours := minutes / 60
	rest := minutes % 60
	switch {
	case hours == 0:
		return fmt.Sprintf("about %d minutes", minutes)
	case rest == 0:
		return fmt.Sprintf("about %dh", hours)
	default:
		return fmt.Sprintf("about %dh %dm", hours, rest)
	}
}

// formatSpent describes a wait that already happened.
func formatSpent(minutes int) string {
	hours, rest := minutes/60, minutes%60
	switch {
	case minutes <= 0:
		return "less than a minute"
	case minutes == 1:
		return "1 minute"
	case hours == 0:
		return fmt.Sprintf("%d minutes", minutes)
	case rest == 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dh %dm", hours, rest)
	}
}

// replyKeyword lists the chat commands a customer can answer with.
func replyKeyword() string {
	return "Reply STATUS for your position, LEAVE to leave the queue or HELP for help."
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
