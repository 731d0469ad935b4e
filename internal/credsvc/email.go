package credsvc

import (
	"fmt"
	"strings"

	"github.com/spawnhq/spawn/internal/config"
	"gopkg.in/gomail.v2"
)

// Mailer delivers the signed link. The SMTP implementation is the real
// one; tests substitute their own.
type Mailer interface {
	SendBatchLink(to string, batch *Batch, link string) error
}

// SMTPMailer sends through a configured SMTP relay.
type SMTPMailer struct {
	cfg config.CredSvcConfig
}

// NewSMTPMailer builds a mailer from the service configuration.
func NewSMTPMailer(cfg config.CredSvcConfig) (*SMTPMailer, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("CREDSVC_SMTP_HOST is required to send batch links")
	}
	return &SMTPMailer{cfg: cfg}, nil
}

// SendBatchLink emails the single-use form URL. An error here means the
// batch must not be persisted.
func (m *SMTPMailer) SendBatchLink(to string, batch *Batch, link string) error {
	var names []string
	for _, p := range batch.Providers {
		names = append(names, p.DisplayName)
	}

	body := fmt.Sprintf(
		"Credentials are needed for: %s\n\n"+
			"Fill them in here (link valid until %s):\n\n%s\n\n"+
			"The link is single-use per provider and signed; do not forward it.\n",
		strings.Join(names, ", "),
		batch.ExpiresAt.Format("2006-01-02 15:04 MST"),
		link,
	)

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.FromAddress)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Provider credentials requested (%d pending)", len(batch.Providers)))
	msg.SetBody("text/plain", body)

	dialer := gomail.NewDialer(m.cfg.SMTPHost, m.cfg.SMTPPort, m.cfg.SMTPUser, m.cfg.SMTPPassword)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send batch link: %w", err)
	}
	return nil
}
