package mailer

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Host     string
	Port     string
	From     string
	Password string
}

type Mailer struct {
	cfg Config
	log *zerolog.Logger
}

func New(cfg Config, log *zerolog.Logger) *Mailer {
	return &Mailer{cfg: cfg, log: log}
}

// SendRegistrationEmail confirms a new registration.
func (m *Mailer) SendRegistrationEmail(eventName, recipientEmail string) error {
	subject := "You are registered for " + eventName
	body := fmt.Sprintf("Hello!\n\nYour registration for \"%s\" is confirmed.\nShow your QR code at the entrance to check in.", eventName)
	return m.send(recipientEmail, subject, body)
}

// SendCheckInEmail confirms a successful check-in.
func (m *Mailer) SendCheckInEmail(eventName, recipientEmail string, checkedInAt time.Time) error {
	subject := "✅ Checked in: " + eventName
	body := fmt.Sprintf("Hello!\n\nYou were checked in to \"%s\" at %s.\nEnjoy the event!",
		eventName, checkedInAt.Format("15:04, 2 Jan 2006"))
	return m.send(recipientEmail, subject, body)
}

func (m *Mailer) send(recipient, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.cfg.From, recipient, subject, body,
	)

	addr := m.cfg.Host + ":" + m.cfg.Port
	auth := smtp.PlainAuth("", m.cfg.From, m.cfg.Password, m.cfg.Host)

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{recipient}, []byte(msg)); err != nil {
		m.log.Warn().Msgf("failed to send email to %s: %v", recipient, err)
		return fmt.Errorf("send email: %w", err)
	}

	m.log.Info().Msgf("📧 Email sent to %s (%s)", recipient, subject)
	return nil
}
