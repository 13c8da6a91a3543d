package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
)

// SMTPTransport delivers notifications over SMTP.
type SMTPTransport struct {
	Addr     string // host:port
	Host     string // hostname for AUTH
	Username string
	Password string
	From     string
}

// Send builds and sends one message. SMTP has no context support; the
// server-side timeout applies, and a timeout counts as a delivery failure.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, body string) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", t.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if t.Username != "" {
		auth = smtp.PlainAuth("", t.Username, t.Password, t.Host)
	}

	if err := smtp.SendMail(t.Addr, auth, t.From, []string{to}, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// WebhookTextTransport posts text messages to an SMS gateway endpoint.
type WebhookTextTransport struct {
	URL    string
	Client *http.Client
}

func (t *WebhookTextTransport) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(map[string]string{"to": to, "body": body})
	if err != nil {
		return fmt.Errorf("encode text payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build text request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post text: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("text gateway returned %s", resp.Status)
	}
	return nil
}

// LogTransport writes messages to the log instead of delivering them.
// Used when no SMTP settings are configured, so local runs stay inert.
type LogTransport struct {
	Log *slog.Logger
}

func (t *LogTransport) Send(ctx context.Context, to, subject, body string) error {
	log := t.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("message (log transport)", "to", to, "subject", subject, "bytes", len(body))
	return nil
}
