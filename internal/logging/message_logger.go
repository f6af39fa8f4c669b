package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events.
// Every event carries the same core identifiers so log pipelines can follow
// a message across attempts.
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains the context about a delivery event for logging
type MessageContext struct {
	MessageID    string
	From         string
	Domain       string
	To           []string
	Size         int64
	DeliveryHost string
	RetryCount   int
	NextRetry    time.Time
	CreatedAt    time.Time
	Error        string
}

// LogReception logs a message accepted into the queue
func (ml *MessageLogger) LogReception(ctx MessageContext) {
	ml.logger.Info("message_reception",
		"event_type", "reception",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"size", ctx.Size,
	)
}

// LogDelivery logs recipients delivered successfully
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	queueDelay := time.Duration(0)
	if !ctx.CreatedAt.IsZero() {
		queueDelay = time.Since(ctx.CreatedAt)
	}

	fields := []any{
		"event_type", "delivery",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"domain", ctx.Domain,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"retry_count", ctx.RetryCount,
		"queue_delay_ms", queueDelay.Milliseconds(),
		"status", "delivered",
	}
	if ctx.DeliveryHost != "" {
		fields = append(fields, "delivery_host", ctx.DeliveryHost)
	}
	ml.logger.Info("message_delivery", fields...)
}

// LogBounce logs recipients that failed permanently
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	ml.logger.Warn("message_bounce",
		"event_type", "bounce",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"domain", ctx.Domain,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"retry_count", ctx.RetryCount,
		"error", ctx.Error,
		"status", "bounced",
	)
}

// LogDeferral logs a unit rescheduled after a transient failure
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	ml.logger.Info("message_deferral",
		"event_type", "deferral",
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"domain", ctx.Domain,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"retry_count", ctx.RetryCount,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"error", ctx.Error,
		"status", "deferred",
	)
}

// LogExpiry logs a message removed because its last unit finished
func (ml *MessageLogger) LogExpiry(ctx MessageContext) {
	ml.logger.Info("message_complete",
		"event_type", "complete",
		"message_id", ctx.MessageID,
		"from", ctx.From,
	)
}
