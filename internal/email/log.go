package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"time"
)

// LogSender is a development Sender that writes messages to the log
// instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send validates addresses the way a real transport would, then logs the message.
func (s *LogSender) Send(ctx context.Context, email *Email) (string, error) {
	if _, err := mail.ParseAddress(email.From); err != nil {
		return "", formatFault(ErrInvalidFromAddress, err)
	}
	if len(email.To) == 0 {
		return "", ErrInvalidToAddress
	}
	for _, to := range email.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return "", formatFault(ErrInvalidToAddress, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", sendFault(err)
	}

	s.logger.Info("email (log transport)",
		"from", email.From,
		"to", email.To,
		"subject", email.Subject,
		"html_bytes", len(email.HTMLBody),
	)
	return fmt.Sprintf("log-%d", time.Now().UnixNano()), nil
}
