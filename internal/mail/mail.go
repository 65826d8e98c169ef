// Package mail implements the account-recovery notification sender of
// spec.md §4.8 (password-reset emails), grounded on the teacher's SMTP node
// (internal/service/workflow/nodes/email.go) but stripped of the
// workflow/templating machinery it doesn't need here.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// Config holds the SMTP settings used to send account-recovery email.
type Config struct {
	Host               string `koanf:"host"`
	Port               int    `koanf:"port"`
	Username           string `koanf:"username"`
	Password           string `koanf:"password"`
	From               string `koanf:"from"`
	TLS                bool   `koanf:"tls"`
	NoTLS              bool   `koanf:"noTls"`
	InsecureSkipVerify bool   `koanf:"insecureSkipVerify"`
}

// Mailer sends account-recovery notifications. The dispatcher depends on
// this interface, never on Config or the concrete SMTP client directly.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, resetToken string) error
}

// SMTPMailer is the Config-backed Mailer, dialing fresh for every message
// (password-reset email is low-volume, so connection reuse isn't worth the
// complexity).
type SMTPMailer struct {
	cfg Config
}

// New builds an SMTPMailer from cfg.
func New(cfg Config) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, resetToken string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("mail: set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mail: set to: %w", err)
	}
	msg.Subject("Reset your password")
	msg.SetBodyString(gomail.TypeTextPlain, "Your password reset token: "+resetToken)

	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(15 * time.Second),
	}
	if m.cfg.Username != "" || m.cfg.Password != "" {
		opts = append(opts, gomail.WithSMTPAuth(gomail.SMTPAuthPlain), gomail.WithUsername(m.cfg.Username), gomail.WithPassword(m.cfg.Password))
	}
	if m.cfg.NoTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	} else {
		tlsConfig := &tls.Config{ServerName: m.cfg.Host, InsecureSkipVerify: m.cfg.InsecureSkipVerify}
		opts = append(opts, gomail.WithTLSConfig(tlsConfig))
		if m.cfg.TLS {
			opts = append(opts, gomail.WithSSL(), gomail.WithTLSPolicy(gomail.TLSMandatory))
		} else {
			opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
		}
	}

	client, err := gomail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail: create client: %w", err)
	}

	return client.DialAndSendWithContext(ctx, msg)
}

// NoopMailer discards every message; the default when no SMTP config is
// supplied, so account recovery degrades to "token generated, not mailed"
// rather than failing the request outright.
type NoopMailer struct{}

func (NoopMailer) SendPasswordReset(context.Context, string, string) error { return nil }
