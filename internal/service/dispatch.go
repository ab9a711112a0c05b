package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/notifier/internal/domain"
	"github.com/dukerupert/notifier/internal/email"
)

// DispatchService formats and sends order confirmation emails and keeps
// the delivery record bookkeeping used to drive retries.
type DispatchService interface {
	// Send renders rawContent and hands the message to the mail transport.
	// It returns false on any transport or formatting failure and never
	// touches the delivery store.
	Send(ctx context.Context, recipient, rawContent string) bool

	// CreateRecord persists a new delivery record. Status, tries and
	// timestamps from the draft are ignored: every new record starts FAILED
	// with zero tries.
	CreateRecord(ctx context.Context, draft domain.DeliveryRecord) (*domain.DeliveryRecord, error)

	// MarkDelivered moves a record from FAILED to SUCCESS and stamps
	// ReceivedAt. Returns ErrDeliveryNotFound for unknown ids. Calling it on
	// an already delivered record returns the record unchanged.
	MarkDelivered(ctx context.Context, id int64) (*domain.DeliveryRecord, error)

	// ListRetryCandidates returns every FAILED record with fewer than
	// MaxDeliveryTries attempts.
	ListRetryCandidates(ctx context.Context) ([]domain.DeliveryRecord, error)

	// GetRecord retrieves a single delivery record.
	GetRecord(ctx context.Context, id int64) (*domain.DeliveryRecord, error)

	// Dispatch records a new delivery, sends it, and marks it delivered
	// when the transport accepted the message.
	Dispatch(ctx context.Context, recipient, content string) (*domain.DeliveryRecord, error)

	// RetryFailed makes one delivery attempt for every retry candidate.
	RetryFailed(ctx context.Context) (*RetryReport, error)
}

// DeliveryStore is the persistence contract for delivery records.
type DeliveryStore interface {
	// Create inserts record and fills in its ID.
	Create(ctx context.Context, record *domain.DeliveryRecord) error

	// FindByID returns ErrDeliveryNotFound when the id is absent.
	FindByID(ctx context.Context, id int64) (*domain.DeliveryRecord, error)

	// MarkDelivered sets SUCCESS and received_at only if the record is still
	// FAILED. The bool reports whether this call performed the transition;
	// the returned record is the stored state either way.
	MarkDelivered(ctx context.Context, id int64, at time.Time) (*domain.DeliveryRecord, bool, error)

	// IncrementTries adds one to the record's attempt counter.
	IncrementTries(ctx context.Context, id int64) (*domain.DeliveryRecord, error)

	// ListRetryable returns FAILED records with tries < maxTries.
	ListRetryable(ctx context.Context, maxTries int) ([]domain.DeliveryRecord, error)
}

// Recorder receives dispatch outcomes for metrics.
type Recorder interface {
	EmailSent()
	EmailFailed(reason string)
	RecordCreated()
	RecordDelivered()
	RetryExhausted()
}

// Failure reasons reported to the Recorder and the log.
const (
	ReasonEmptyRecipient = "empty_recipient"
	ReasonRender         = "render"
	ReasonFormat         = "format"
	ReasonSend           = "send"
	ReasonUnknown        = "unknown"
)

// RetryReport summarizes a single RetryFailed pass.
type RetryReport struct {
	Candidates int `json:"candidates"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Exhausted  int `json:"exhausted"`
	Errors     int `json:"errors"`
}

// Option configures a DispatchService.
type Option func(*dispatchService)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *dispatchService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *dispatchService) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *dispatchService) {
		if now != nil {
			s.now = now
		}
	}
}

type dispatchService struct {
	store     DeliveryStore
	sender    email.Sender
	formatter email.Formatter
	from      string
	logger    *slog.Logger
	metrics   Recorder
	now       func() time.Time
}

// NewDispatchService creates a new DispatchService instance.
// from is the sender identity of every outgoing message and must be set.
func NewDispatchService(store DeliveryStore, sender email.Sender, formatter email.Formatter, from string, opts ...Option) (DispatchService, error) {
	if store == nil || sender == nil || formatter == nil {
		return nil, fmt.Errorf("dispatch service requires a store, a sender and a formatter")
	}
	if strings.TrimSpace(from) == "" {
		return nil, ErrMissingSender
	}

	s := &dispatchService{
		store:     store,
		sender:    sender,
		formatter: formatter,
		from:      from,
		logger:    slog.Default(),
		metrics:   nopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send implements DispatchService.
func (s *dispatchService) Send(ctx context.Context, recipient, rawContent string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(ReasonUnknown, recipient, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	if strings.TrimSpace(recipient) == "" {
		s.fail(ReasonEmptyRecipient, recipient, ErrMissingRecipient)
		return false
	}

	htmlBody, err := s.formatter.Render(rawContent)
	if err != nil {
		s.fail(ReasonRender, recipient, err)
		return false
	}

	msg := &email.Email{
		From:     s.from,
		To:       []string{recipient},
		Subject:  domain.OrderConfirmationSubject,
		HTMLBody: htmlBody,
		TextBody: email.PlainText(htmlBody),
	}

	if _, err := s.sender.Send(ctx, msg); err != nil {
		switch {
		case email.IsFormatFault(err):
			s.fail(ReasonFormat, recipient, err)
		case email.IsSendFault(err):
			s.fail(ReasonSend, recipient, err)
		default:
			s.fail(ReasonUnknown, recipient, err)
		}
		return false
	}

	s.metrics.EmailSent()
	return true
}

// fail emits the single log entry for a failed send.
func (s *dispatchService) fail(reason, recipient string, err error) {
	s.metrics.EmailFailed(reason)
	s.logger.Error("email not sent",
		"reason", reason,
		"recipient", recipient,
		"error", err,
	)
}

// CreateRecord implements DispatchService.
func (s *dispatchService) CreateRecord(ctx context.Context, draft domain.DeliveryRecord) (*domain.DeliveryRecord, error) {
	if strings.TrimSpace(draft.Recipient) == "" {
		return nil, ErrMissingRecipient
	}

	record := &domain.DeliveryRecord{
		Recipient: draft.Recipient,
		Content:   draft.Content,
		Status:    domain.StatusFailed,
		Tries:     0,
		CreatedAt: s.now(),
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create delivery record: %w", err)
	}

	s.metrics.RecordCreated()
	return record, nil
}

// MarkDelivered implements DispatchService.
func (s *dispatchService) MarkDelivered(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	existing, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Delivered() {
		s.logger.Debug("delivery already marked delivered", "id", id)
		return existing, nil
	}

	updated, transitioned, err := s.store.MarkDelivered(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark delivery %d delivered: %w", id, err)
	}

	if transitioned {
		s.metrics.RecordDelivered()
	}
	return updated, nil
}

// ListRetryCandidates implements DispatchService.
func (s *dispatchService) ListRetryCandidates(ctx context.Context) ([]domain.DeliveryRecord, error) {
	records, err := s.store.ListRetryable(ctx, domain.MaxDeliveryTries)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	candidates := make([]domain.DeliveryRecord, 0, len(records))
	for _, r := range records {
		if r.Retryable() {
			candidates = append(candidates, r)
		}
	}
	return candidates, nil
}

// GetRecord implements DispatchService.
func (s *dispatchService) GetRecord(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	return s.store.FindByID(ctx, id)
}

// Dispatch implements DispatchService.
func (s *dispatchService) Dispatch(ctx context.Context, recipient, content string) (*domain.DeliveryRecord, error) {
	record, err := s.CreateRecord(ctx, domain.DeliveryRecord{Recipient: recipient, Content: content})
	if err != nil {
		return nil, err
	}

	if !s.Send(ctx, record.Recipient, record.Content) {
		return record, nil
	}

	return s.MarkDelivered(ctx, record.ID)
}

// RetryFailed implements DispatchService.
func (s *dispatchService) RetryFailed(ctx context.Context) (*RetryReport, error) {
	candidates, err := s.ListRetryCandidates(ctx)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{Candidates: len(candidates)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if s.Send(ctx, c.Recipient, c.Content) {
			if _, err := s.MarkDelivered(ctx, c.ID); err != nil {
				report.Errors++
				s.logger.Error("retry delivered but status update failed", "id", c.ID, "error", err)
				continue
			}
			report.Delivered++
			continue
		}

		report.Failed++
		updated, err := s.store.IncrementTries(ctx, c.ID)
		if err != nil {
			report.Errors++
			s.logger.Error("failed to record retry attempt", "id", c.ID, "error", err)
			continue
		}
		if updated.Tries >= domain.MaxDeliveryTries {
			report.Exhausted++
			s.metrics.RetryExhausted()
			s.logger.Warn("delivery retries exhausted", "id", c.ID, "recipient", c.Recipient, "tries", updated.Tries)
		}
	}

	s.logger.Info("retry pass complete",
		"candidates", report.Candidates,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"exhausted", report.Exhausted,
	)
	return report, nil
}

type nopRecorder struct{}

func (nopRecorder) EmailSent() {}
func (nopRecorder) EmailFailed(string) {}
func (nopRecorder) RecordCreated() {}
func (nopRecorder) RecordDelivered() {}
func (nopRecorder) RetryExhausted() {}
