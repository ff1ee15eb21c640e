package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/pingup/pingup/core/infra/config"
)

const smtpTimeout = 15 * time.Second

// SMTP sends HTML mail through a relay.
type SMTP struct {
	client *mail.Client
	from   string
}

func NewSMTP(cfg config.SMTP) (*SMTP, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(smtpTimeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, fmt.Errorf("sender address required")
	}
	return &SMTP{client: client, from: from}, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, body string) error {
	msg, err := s.message(to, subject, body)
	if err != nil {
		return &Error{To: to, Permanent: true, Err: err}
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return &Error{To: to, Permanent: permanentSendError(err), Err: err}
	}
	return nil
}

// permanentSendError reports a server rejection that retrying will not fix (5xx).
func permanentSendError(err error) bool {
	var se *mail.SendError
	return errors.As(err, &se) && !se.IsTemp()
}

func (s *SMTP) message(to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := msg.To(strings.TrimSpace(to)); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)
	return msg, nil
}
