package automation

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// MessageTemplate is a stored subject/body pair addressed by key.
type MessageTemplate struct {
	Key     string `json:"key"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateStore fetches message templates by key.
type TemplateStore interface {
	Get(ctx context.Context, key string) (*MessageTemplate, error)
}

// Renderer substitutes the fixed case variable set into a template. A
// missing template key or an unresolved variable is a configuration error,
// not a delivery failure, and is reported as such.
type Renderer struct {
	// BaseURL is the public back-office URL that deep links are built on.
	BaseURL string
}

// NewRenderer returns a renderer building deep links on baseURL.
func NewRenderer(baseURL string) *Renderer {
	return &Renderer{BaseURL: strings.TrimRight(baseURL, "/")}
}

// Variables builds the substitution set for one case.
func (r *Renderer) Variables(cs *Case) map[string]any {
	route := cs.Origin
	if cs.Destination != "" {
		if route != "" {
			route += " → "
		}
		route += cs.Destination
	}

	vars := map[string]any{
		"ClientName":    cs.ClientName,
		"Reference":     cs.Reference,
		"Route":         route,
		"DepartureDate": formatDate(cs.DepartureDate),
		"ReturnDate":    formatDate(cs.ReturnDate),
		"Passengers":    cs.Passengers,
		"TotalAmount":   FormatEuros(cs.TotalAmount),
		"CaseURL":       fmt.Sprintf("%s/cases/%s", r.BaseURL, cs.ID),
		"ReviewURL":     fmt.Sprintf("%s/review/%s", r.BaseURL, cs.ID),
	}
	return vars
}

// Render resolves both subject and body of a template against a case.
func (r *Renderer) Render(tpl *MessageTemplate, cs *Case) (subject, body string, err error) {
	vars := r.Variables(cs)

	subject, err = renderText(tpl.Key+":subject", tpl.Subject, vars)
	if err != nil {
		return "", "", err
	}
	body, err = renderText(tpl.Key+":body", tpl.Body, vars)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func renderText(name, text string, vars map[string]any) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return sb.String(), nil
}

// FormatEuros renders an amount the way the back office prints money:
// thin-spaced thousands, comma decimals, trailing euro sign.
func FormatEuros(amount float64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}

	cents := int64(amount*100 + 0.5)
	whole := cents / 100
	frac := cents % 100

	digits := fmt.Sprintf("%d", whole)
	var sb strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteRune(' ')
		}
		sb.WriteRune(d)
	}

	out := fmt.Sprintf("%s,%02d €", sb.String(), frac)
	if neg {
		out = "-" + out
	}
	return out
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("02/01/2006")
}
