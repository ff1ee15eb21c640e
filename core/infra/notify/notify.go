// Package notify sends formatted messages to users.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/pingup/pingup/core/infra/config"
	"github.com/pingup/pingup/core/infra/logging"
)

// Notifier delivers one message to one address.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Error reports a failed delivery. Permanent failures (bad address,
// rejected message) will not succeed on retry.
type Error struct {
	To        string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("notify %s (%s): %v", e.To, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FromConfig returns an SMTP notifier when a host is configured, otherwise
// one that only logs.
func FromConfig(cfg config.SMTP) (Notifier, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		logging.Warn("notify", "smtp host not configured, emails will only be logged")
		return Log{}, nil
	}
	return NewSMTP(cfg)
}

// Log writes messages to the process log instead of sending them.
type Log struct{}

func (Log) Send(_ context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return &Error{To: to, Permanent: true, Err: fmt.Errorf("recipient required")}
	}
	logging.Info("notify", "email", "to", to, "subject", subject, "bytes", len(body))
	return nil
}
