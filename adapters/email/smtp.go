// Package email delivers newly issued API keys to their owners.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/velariq/tokengate/ports"
)

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // sender email address
	FromName string // sender display name

	// TLS settings
	UseTLS      bool // Use STARTTLS
	SkipVerify  bool // Skip TLS certificate verification (for testing)
	UseImplicit bool // Use implicit TLS (port 465)

	Timeout time.Duration

	// DashboardURL is linked from the key email.
	DashboardURL string
	AppName      string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() SMTPConfig {
	return SMTPConfig{
		Host:     "localhost",
		Port:     25,
		From:     "noreply@localhost",
		FromName: "tokengate",
		UseTLS:   true,
		Timeout:  30 * time.Second,
		AppName:  "tokengate",
	}
}

// SMTPNotifier implements ports.KeyNotifier by mailing the key.
type SMTPNotifier struct {
	config  SMTPConfig
	keyTmpl *template.Template
}

// NewSMTPNotifier creates a new SMTP key notifier.
func NewSMTPNotifier(config SMTPConfig) (*SMTPNotifier, error) {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.AppName == "" {
		config.AppName = "tokengate"
	}
	tmpl, err := template.New("key").Parse(keyEmailTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse key template: %w", err)
	}
	return &SMTPNotifier{config: config, keyTmpl: tmpl}, nil
}

// KeyIssued mails apiKey to email.
func (s *SMTPNotifier) KeyIssued(ctx context.Context, email, apiKey string) error {
	msg, err := s.keyMessage(email, apiKey)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

func (s *SMTPNotifier) keyMessage(to, apiKey string) (Message, error) {
	data := keyTemplateData{AppName: s.config.AppName, APIKey: apiKey, Link: s.config.DashboardURL}

	var html bytes.Buffer
	if err := s.keyTmpl.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("execute key template: %w", err)
	}

	var text bytes.Buffer
	fmt.Fprintf(&text, "Welcome to %s!\n\nYour API key:\n\n%s\n\n", s.config.AppName, apiKey)
	text.WriteString("Send it in the X-API-Key header with every request. Keep it secret.\n")
	if data.Link != "" {
		fmt.Fprintf(&text, "\nTrack your usage at %s\n", data.Link)
	}

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("Your %s API key", s.config.AppName),
		HTMLBody: html.String(),
		TextBody: text.String(),
	}, nil
}

func (s *SMTPNotifier) send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	body := msg.Encode(s.config.FromName, s.config.From, time.Now())

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	// STARTTLS if required
	if s.config.UseTLS && !s.config.UseImplicit {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// dial connects in plain TCP, or with TLS from the first byte on port 465 setups.
func (s *SMTPNotifier) dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: s.config.Timeout}
	if s.config.UseImplicit {
		conn, err := (&tls.Dialer{NetDialer: nd, Config: s.tlsConfig()}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tls: %w", err)
		}
		return conn, nil
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (s *SMTPNotifier) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.config.Host,
		InsecureSkipVerify: s.config.SkipVerify,
	}
}

type keyTemplateData struct {
	AppName string
	APIKey  string
	Link    string
}

const keyEmailTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333;">
  <h2>Welcome to {{.AppName}}!</h2>
  <p>Your subscription is active. Here is your API key:</p>
  <pre style="background: #f4f4f4; padding: 12px; border-radius: 4px;">{{.APIKey}}</pre>
  <p>Send it in the <code>X-API-Key</code> header with every request. Keep it secret.</p>
  {{if .Link}}<p><a href="{{.Link}}">Open your dashboard</a></p>{{end}}
</body>
</html>`

// Ensure interface compliance.
var _ ports.KeyNotifier = (*SMTPNotifier)(nil)
