// Package notify delivers buyer emails and admin notices.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"

	"github.com/digkill/promptor/internal/config"
)

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Email struct {
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// NewMailer builds the mailer selected by EMAIL_PROVIDER.
func NewMailer(cfg config.Config, log *slog.Logger) (Mailer, error) {
	switch cfg.EmailProvider {
	case "sendgrid":
		return NewSendGridMailer(cfg.SendGridAPIKey, cfg.EmailFrom, ""), nil
	case "smtp":
		return NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom), nil
	case "none", "":
		return NopMailer{log: log}, nil
	}
	return nil, fmt.Errorf("unsupported email provider %q", cfg.EmailProvider)
}

type SendGridMailer struct {
	apiKey string
	host   string
	from   *mail.Email
}

// NewSendGridMailer sends through the v3 mail API. An empty host uses the
// public SendGrid endpoint.
func NewSendGridMailer(apiKey, from, host string) *SendGridMailer {
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendGridMailer{apiKey: apiKey, host: host, from: mail.NewEmail("Promptor", from)}
}

func (m *SendGridMailer) Send(ctx context.Context, msg Email) error {
	text := msg.Text
	if text == "" {
		text = " "
	}
	message := mail.NewSingleEmail(m.from, msg.Subject, mail.NewEmail("", msg.To), text, msg.HTML)
	for _, a := range msg.Attachments {
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(a.Data))
		att.SetType(a.ContentType)
		att.SetFilename(a.Name)
		att.SetDisposition("attachment")
		message.AddAttachment(att)
	}

	req := sendgrid.GetRequest(m.apiKey, "/v3/mail/send", m.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(message)
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}
	return nil
}

type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{dialer: gomail.NewDialer(host, port, username, password), from: from}
}

func (m *SMTPMailer) message(msg Email) *gomail.Message {
	out := gomail.NewMessage()
	out.SetHeader("From", m.from)
	out.SetHeader("To", msg.To)
	out.SetHeader("Subject", msg.Subject)
	switch {
	case msg.HTML != "" && msg.Text != "":
		out.SetBody("text/plain", msg.Text)
		out.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		out.SetBody("text/html", msg.HTML)
	default:
		out.SetBody("text/plain", msg.Text)
	}
	for _, a := range msg.Attachments {
		data := a.Data
		out.Attach(a.Name,
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := io.Copy(w, bytes.NewReader(data))
				return err
			}),
		)
	}
	return out
}

// Send opens a new SMTP connection per message.
func (m *SMTPMailer) Send(ctx context.Context, msg Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.dialer.DialAndSend(m.message(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// NopMailer logs instead of sending, for deployments without email.
type NopMailer struct {
	log *slog.Logger
}

func (m NopMailer) Send(_ context.Context, msg Email) error {
	if m.log != nil {
		m.log.Info("email skipped", "to", msg.To, "subject", msg.Subject)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
