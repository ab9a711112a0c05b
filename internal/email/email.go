package email

import "context"

// Email represents an email message to be sent.
type Email struct {
	To       []string          // Recipient email addresses
	From     string            // Sender email address
	Subject  string            // Email subject
	TextBody string            // Plain text body
	HTMLBody string            // HTML body (optional)
	Headers  map[string]string // Custom headers (optional)
}

//go:generate mockgen -source=email.go -destination=emailmock/sender.go -package=emailmock

// Sender defines the interface for delivering emails.
// Implementations can use SMTP, a log sink for development, etc.
//
// Send returns an error that satisfies IsFormatFault when the message could
// not be built (bad address, bad header) and IsSendFault when the transport
// refused or failed to deliver it.
type Sender interface {
	// Send sends an email message.
	// Returns the message ID from the email provider (if available).
	Send(ctx context.Context, email *Email) (string, error)
}

// Formatter converts raw order content into a final HTML body.
type Formatter interface {
	Render(content string) (string, error)
}
