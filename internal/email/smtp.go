package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string // optional - some servers allow unauthenticated relay
	Password string // optional
	From     string // default sender address
	FromName string // optional sender display name
	Timeout  time.Duration
}

// SMTPSender implements Sender using go-mail.
// TLS mode is chosen from the port; authentication is only enabled when
// both username and password are set.
type SMTPSender struct {
	config *SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender creates an SMTP sender from a config struct.
func NewSMTPSender(config *SMTPConfig, logger *slog.Logger) *SMTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPSender{
		config: config,
		logger: logger,
	}
}

// Send delivers an email via SMTP.
func (s *SMTPSender) Send(ctx context.Context, email *Email) (string, error) {
	s.logger.Debug("smtp: preparing email",
		"to", email.To,
		"subject", email.Subject,
		"host", s.config.Host,
		"port", s.config.Port,
	)

	msg, err := s.buildMessage(email)
	if err != nil {
		return "", err
	}

	client, err := mail.NewClient(s.config.Host, s.buildClientOptions(s.config.Timeout)...)
	if err != nil {
		return "", sendFault(fmt.Errorf("failed to create SMTP client: %w", err))
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", sendFault(err)
	}

	s.logger.Info("smtp: email sent", "to", email.To)

	// SMTP doesn't hand back a message ID reliably
	messageID := fmt.Sprintf("smtp-%d-%d", time.Now().UnixNano(), len(email.To))
	return messageID, nil
}

// buildMessage converts an Email into a go-mail message. Every error it
// returns is a format fault.
func (s *SMTPSender) buildMessage(email *Email) (*mail.Msg, error) {
	msg := mail.NewMsg()

	from := email.From
	if from == "" {
		from = s.config.From
	}
	if s.config.FromName != "" && email.From == "" {
		if err := msg.FromFormat(s.config.FromName, from); err != nil {
			return nil, formatFault(ErrInvalidFromAddress, err)
		}
	} else if err := msg.From(from); err != nil {
		return nil, formatFault(ErrInvalidFromAddress, err)
	}

	if len(email.To) == 0 {
		return nil, ErrInvalidToAddress
	}
	if err := msg.To(email.To...); err != nil {
		return nil, formatFault(ErrInvalidToAddress, err)
	}

	msg.Subject(email.Subject)

	// Prefer HTML with a text alternative
	switch {
	case email.HTMLBody != "" && email.TextBody != "":
		msg.SetBodyString(mail.TypeTextPlain, email.TextBody)
		msg.AddAlternativeString(mail.TypeTextHTML, email.HTMLBody)
	case email.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextHTML, email.HTMLBody)
	case email.TextBody != "":
		msg.SetBodyString(mail.TypeTextPlain, email.TextBody)
	default:
		return nil, formatFault(ErrMessageFormat, fmt.Errorf("email has no body"))
	}

	for key, value := range email.Headers {
		msg.SetGenHeader(mail.Header(key), value)
	}

	return msg, nil
}

// buildClientOptions returns go-mail client options based on configuration.
func (s *SMTPSender) buildClientOptions(timeout time.Duration) []mail.Option {
	return clientOptions(s.config.Port, s.config.Username, s.config.Password, timeout)
}

func clientOptions(port int, username, password string, timeout time.Duration) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
	}

	switch port {
	case 465:
		// Implicit TLS (SMTPS)
		opts = append(opts, mail.WithSSL())
	case 587:
		// STARTTLS (submission port)
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		// Port 25 and local catchers like Mailpit on 1025
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	if username != "" && password != "" {
		opts = append(opts,
			mail.WithUsername(username),
			mail.WithPassword(password),
			mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover),
		)
	}

	return opts
}

// TestConnection verifies SMTP connectivity and authentication without sending email.
func (s *SMTPSender) TestConnection(ctx context.Context) error {
	client, err := mail.NewClient(s.config.Host, s.buildClientOptions(10*time.Second)...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer client.Close()

	return nil
}
