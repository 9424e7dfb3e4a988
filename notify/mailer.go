package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/MrEthical07/regflow"
)

// MailerConfig holds SMTP connection settings.
type MailerConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer delivers codes and registration confirmations over SMTP.
type Mailer struct {
	cfg  MailerConfig
	send sendFunc
}

var (
	_ regflow.CodeSender           = (*Mailer)(nil)
	_ regflow.RegistrationNotifier = (*Mailer)(nil)
)

func NewMailer(cfg MailerConfig) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

func (m *Mailer) SendCode(ctx context.Context, identity, code string, expiresAt time.Time) error {
	minutes := int(time.Until(expiresAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	body := fmt.Sprintf("Your verification code is %s.\r\n\r\nIt expires in %d minutes. If you did not request it, ignore this email.", code, minutes)
	return m.deliver(ctx, identity, "Your verification code", body)
}

func (m *Mailer) NotifyRegistered(ctx context.Context, reg regflow.Registration) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Your registration is confirmed.\r\n\r\n")
	fmt.Fprintf(&b, "Order: %s\r\n", reg.OrderReference)
	fmt.Fprintf(&b, "Payment: %s\r\n", reg.PaymentReference)
	if name := reg.Profile["name"]; name != "" {
		fmt.Fprintf(&b, "Name: %s\r\n", name)
	}
	return m.deliver(ctx, reg.Identity, "Registration confirmed", b.String())
}

func (m *Mailer) deliver(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("smtp: header injection in recipient or subject")
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		m.cfg.From, to, subject, body)
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := m.send(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
