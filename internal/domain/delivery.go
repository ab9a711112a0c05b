// Package domain holds the delivery record model and the application error
// types shared by every layer.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxDeliveryTries is the number of delivery attempts after which a failed
// email is no longer eligible for retry.
const MaxDeliveryTries = 3

// OrderConfirmationSubject is the subject line of every dispatched email.
const OrderConfirmationSubject = "Order Confirmation - Your Recent Purchase"

// ErrDeliveryNotFound is returned when a delivery record id is absent from the store.
var ErrDeliveryNotFound = &Error{
	Code:    ENOTFOUND,
	Message: "Delivery record not found",
}

// DeliveryStatus is the outcome recorded for an email delivery.
// Only StatusFailed and StatusSuccess are valid.
type DeliveryStatus string

const (
	StatusFailed  DeliveryStatus = "FAILED"
	StatusSuccess DeliveryStatus = "SUCCESS"
)

// ParseDeliveryStatus converts s into a DeliveryStatus.
// Matching is case-insensitive; any other value is rejected with EINVALID.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch DeliveryStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusFailed:
		return StatusFailed, nil
	case StatusSuccess:
		return StatusSuccess, nil
	}
	return "", Errorf(EINVALID, "delivery.status", "invalid delivery status: %q", s)
}

func (s DeliveryStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the two known statuses.
func (s DeliveryStatus) Valid() bool {
	return s == StatusFailed || s == StatusSuccess
}

// MarshalText implements encoding.TextMarshaler.
func (s DeliveryStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, Errorf(EINVALID, "delivery.status", "invalid delivery status: %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown values.
func (s *DeliveryStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseDeliveryStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Scan implements sql.Scanner.
func (s *DeliveryStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		return Errorf(EINVALID, "delivery.status", "delivery status is null")
	}
	return fmt.Errorf("cannot scan %T into DeliveryStatus", src)
}

// Value implements driver.Valuer.
func (s DeliveryStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, Errorf(EINVALID, "delivery.status", "invalid delivery status: %q", string(s))
	}
	return string(s), nil
}

// DeliveryRecord is one persisted email delivery attempt.
//
// A record starts FAILED with zero tries and only moves to SUCCESS, at which
// point ReceivedAt is set. ReceivedAt is nil for every FAILED record.
type DeliveryRecord struct {
	ID         int64          `json:"id"`
	Recipient  string         `json:"recipient"`
	Content    string         `json:"content"`
	Status     DeliveryStatus `json:"status"`
	Tries      int            `json:"tries"`
	CreatedAt  time.Time      `json:"created_at"`
	ReceivedAt *time.Time     `json:"received_at,omitempty"`
}

// Retryable reports whether the record may be handed to another delivery attempt.
func (r DeliveryRecord) Retryable() bool {
	return r.Status == StatusFailed && r.Tries < MaxDeliveryTries
}

// Delivered reports whether the record reached SUCCESS.
func (r DeliveryRecord) Delivered() bool {
	return r.Status == StatusSuccess
}

// UnmarshalJSON decodes a record and enforces the status/received_at pairing.
func (r *DeliveryRecord) UnmarshalJSON(data []byte) error {
	type plain DeliveryRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return Errorf(EINVALID, "delivery.decode", "invalid delivery status: %q", string(p.Status))
	}
	if (p.Status == StatusSuccess) != (p.ReceivedAt != nil) {
		return Invalid("delivery.decode", "received_at must be set exactly when status is SUCCESS")
	}
	*r = DeliveryRecord(p)
	return nil
}
