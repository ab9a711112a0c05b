package service

import (
	"github.com/dukerupert/notifier/internal/domain"
)

// Delivery record errors
var (
	ErrDeliveryNotFound = domain.ErrDeliveryNotFound
	ErrMissingRecipient = domain.Errorf(domain.EINVALID, "", "Recipient is required")
	ErrMissingSender    = domain.Errorf(domain.EINVALID, "", "Sender address is required")
)
