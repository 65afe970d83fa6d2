// Package templates resolves {{variable}} placeholders in step payloads.
package templates

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"outreach/models"
)

var ErrMissingVariable = errors.New("templates: missing variable")

// {{name}} or {{name|fallback}}
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*(?:\|([^}]*))?\}\}`)

// Render replaces placeholders in text. A placeholder without a value falls
// back to its default, or to the empty string. Variables listed in required
// must have a non-empty value.
func Render(text string, vars map[string]string, required []string) (string, error) {
	if missing := missingRequired(vars, required); len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}

	out := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		if v := strings.TrimSpace(vars[m[1]]); v != "" {
			return v
		}
		return strings.TrimSpace(m[2])
	})
	return out, nil
}

// Variables lists the distinct placeholder names used in text.
func Variables(text string) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	sort.Strings(names)
	return names
}

func missingRequired(vars map[string]string, required []string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Message is a fully rendered step payload.
type Message struct {
	Subject  string
	HTML     string
	Text     string
	LinkedIn string
}

// RenderAction renders a step action. When the action references a
// template, the template supplies any field the action leaves empty.
func RenderAction(action models.StepAction, tmpl *models.Template, vars map[string]string) (Message, error) {
	subject, html, text := action.Subject, action.BodyHTML, action.BodyText
	if tmpl != nil {
		if subject == "" {
			subject = tmpl.Subject
		}
		if html == "" {
			html = tmpl.HTMLContent
		}
		if text == "" {
			text = tmpl.TextContent
		}
	}

	var msg Message
	var err error
	if msg.Subject, err = Render(subject, vars, action.Required); err != nil {
		return Message{}, err
	}
	if msg.HTML, err = Render(html, vars, nil); err != nil {
		return Message{}, err
	}
	if msg.Text, err = Render(text, vars, nil); err != nil {
		return Message{}, err
	}
	if msg.LinkedIn, err = Render(action.Message, vars, action.Required); err != nil {
		return Message{}, err
	}
	return msg, nil
}
