// Package events consumes order confirmation events from NATS and hands
// them to the dispatch service.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/notifier/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// OrderConfirmed is the payload published on the order subject.
type OrderConfirmed struct {
	OrderID   string `json:"order_id" validate:"required"`
	Recipient string `json:"recipient" validate:"required,email"`
	Content   string `json:"content" validate:"required"`
}

// Dispatcher is the subset of service.DispatchService the consumer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipient, content string) (*domain.DeliveryRecord, error)
}

// Config holds subscription parameters.
type Config struct {
	URL     string
	Subject string
	Queue   string

	// HandlerTimeout bounds a single Dispatch call. Defaults to 30s.
	HandlerTimeout time.Duration
}

// Consumer subscribes to order events as a member of a queue group, so
// running several notifier instances splits the stream between them.
type Consumer struct {
	cfg        Config
	dispatcher Dispatcher
	validate   *validator.Validate
	logger     *slog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg Config, dispatcher Dispatcher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &Consumer{
		cfg:        cfg,
		dispatcher: dispatcher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("component", "events", "subject", cfg.Subject),
	}
}

// Start connects to NATS and begins consuming. Messages are processed until
// Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := nats.Connect(c.cfg.URL,
		nats.Name("notifier"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	sub, err := conn.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, func(msg *nats.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Subject, err)
	}

	c.conn = conn
	c.sub = sub
	c.logger.Info("order event consumer started", "queue", c.cfg.Queue)
	return nil
}

// Close drains in-flight messages and closes the connection.
func (c *Consumer) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

// handleMessage decodes one event and dispatches it. Malformed events are
// logged and dropped; there is nothing to retry for them.
func (c *Consumer) handleMessage(ctx context.Context, msg *nats.Msg) {
	var event OrderConfirmed
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Warn("dropping malformed order event", "error", err)
		c.reply(msg, nil, domain.Invalid("events.decode", "malformed order event"))
		return
	}

	event.Recipient = strings.TrimSpace(event.Recipient)
	if err := c.validate.Struct(event); err != nil {
		c.logger.Warn("dropping invalid order event", "order_id", event.OrderID, "error", err)
		c.reply(msg, nil, domain.Invalid("events.validate", err.Error()))
		return
	}

	// Drain keeps delivering after the parent ctx is cancelled on shutdown;
	// those messages must still be recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()

	record, err := c.dispatcher.Dispatch(ctx, event.Recipient, event.Content)
	if err != nil {
		c.logger.Error("order event dispatch failed", "order_id", event.OrderID, "error", err)
		c.reply(msg, nil, err)
		return
	}

	c.logger.Info("order event dispatched",
		"order_id", event.OrderID,
		"delivery_id", record.ID,
		"status", record.Status,
	)
	c.reply(msg, record, nil)
}

type replyBody struct {
	Delivery *domain.DeliveryRecord `json:"delivery,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Code     string                 `json:"code,omitempty"`
}

// reply answers request-style publishes. Fire-and-forget events have no
// reply subject and are skipped.
func (c *Consumer) reply(msg *nats.Msg, record *domain.DeliveryRecord, err error) {
	if msg.Reply == "" {
		return
	}

	body := replyBody{Delivery: record}
	if err != nil {
		body.Error = domain.ErrorMessage(err)
		body.Code = domain.ErrorCode(err)
	}

	data, mErr := json.Marshal(body)
	if mErr != nil {
		c.logger.Error("failed to encode reply", "error", mErr)
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		c.logger.Warn("failed to reply to order event", "error", rErr)
	}
}
