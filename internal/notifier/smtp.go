package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ternarybob/optorch/internal/common"
)

// SMTPNotifier sends plain-text email through an authenticated SMTP relay,
// grounded on the reference controller's own email transport: one message
// per Notify call, STARTTLS-capable auth via smtp.PlainAuth, recipients
// read from a single comma-separated address list.
type SMTPNotifier struct {
	server string
	port   int
	user   string
	pass   string
	from   string
	to     []string
}

func NewSMTPNotifier(cfg common.SMTPConfig) *SMTPNotifier {
	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			to = append(to, addr)
		}
	}
	return &SMTPNotifier{
		server: cfg.Server,
		port:   cfg.Port,
		user:   cfg.User,
		pass:   cfg.Password,
		from:   cfg.From,
		to:     to,
	}
}

func (s *SMTPNotifier) Notify(ctx context.Context, subject, message string) error {
	if len(s.to) == 0 {
		return fmt.Errorf("smtp notifier: no recipients configured")
	}

	addr := fmt.Sprintf("%s:%d", s.server, s.port)
	auth := smtp.PlainAuth("", s.user, s.pass, s.server)

	body := fmt.Sprintf("Subject: %s\r\nFrom: %s\r\nTo: %s\r\n\r\n%s\r\n",
		subject, s.from, strings.Join(s.to, ", "), message)

	if err := smtp.SendMail(addr, auth, s.from, s.to, []byte(body)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
