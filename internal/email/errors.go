package email

import (
	"errors"
	"fmt"
)

// ============================================================================
// EMAIL ERROR CODES
// ============================================================================
// These constants mirror domain error codes to avoid circular imports.

const (
	codeInvalid     = "invalid"
	codeUnavailable = "unavailable"
)

// ============================================================================
// EMAIL ERROR TYPE
// ============================================================================

// EmailError represents an email-specific error with a code and message.
type EmailError struct {
	Code    string
	Message string
}

func (e *EmailError) Error() string {
	return e.Message
}

// ErrorCode returns the error code for HTTP status mapping.
func (e *EmailError) ErrorCode() string {
	return e.Code
}

// ErrorMessage returns the user-facing message.
func (e *EmailError) ErrorMessage() string {
	return e.Message
}

func newEmailError(code, message string) *EmailError {
	return &EmailError{Code: code, Message: message}
}

// ============================================================================
// TRANSPORT FAULTS
// ============================================================================

var (
	// ErrMessageFormat marks a message that could not be constructed.
	ErrMessageFormat = newEmailError(codeInvalid, "Malformed email message")

	// ErrInvalidFromAddress is returned when the from address is invalid.
	ErrInvalidFromAddress = newEmailError(codeInvalid, "Invalid from email address")

	// ErrInvalidToAddress is returned when the to address is invalid.
	ErrInvalidToAddress = newEmailError(codeInvalid, "Invalid to email address")

	// ErrSendFailed marks a transport or network level delivery failure.
	ErrSendFailed = newEmailError(codeUnavailable, "Email delivery failed")
)

// formatFault wraps cause as a message construction failure.
func formatFault(kind *EmailError, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// sendFault wraps cause as a delivery failure.
func sendFault(cause error) error {
	if cause == nil {
		return ErrSendFailed
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// IsFormatFault reports whether err means the message itself was malformed.
func IsFormatFault(err error) bool {
	return errors.Is(err, ErrMessageFormat) ||
		errors.Is(err, ErrInvalidFromAddress) ||
		errors.Is(err, ErrInvalidToAddress)
}

// IsSendFault reports whether err means the transport failed to deliver.
func IsSendFault(err error) bool {
	return errors.Is(err, ErrSendFailed)
}
