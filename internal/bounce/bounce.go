// Package bounce produces delivery status notifications for recipients that
// failed permanently.
package bounce

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-mta/outpost/internal/queue"
)

// Enqueuer accepts a new message into the queue. The delivery pool satisfies
// this, so bounces travel the same path as any other outbound message.
type Enqueuer interface {
	Enqueue(ctx context.Context, from string, recipients []string, content []byte) (*queue.Message, []string, error)
}

// DSNNotifier enqueues a non-delivery report addressed to the original
// sender. Messages with an empty reverse-path never generate a report, which
// keeps bounces from bouncing.
type DSNNotifier struct {
	hostname string
	enqueuer Enqueuer
	logger   *slog.Logger
}

var _ queue.Notifier = (*DSNNotifier)(nil)

// NewDSNNotifier creates a notifier that reports failures as new messages
func NewDSNNotifier(hostname string, enqueuer Enqueuer) *DSNNotifier {
	return &DSNNotifier{
		hostname: hostname,
		enqueuer: enqueuer,
		logger:   slog.Default().With("component", "bounce"),
	}
}

// NotifyBounce builds and enqueues the non-delivery report
func (n *DSNNotifier) NotifyBounce(ctx context.Context, msg *queue.Message, domain string, rcpts []queue.Recipient) error {
	if msg.From == "" {
		// Null reverse-path: the message was itself a notification.
		n.logger.Debug("suppressing report for null reverse-path",
			"message_id", msg.ID, "domain", domain)
		return nil
	}

	content := n.render(msg, domain, rcpts)
	// The report uses a null reverse-path so it can never bounce back.
	if _, _, err := n.enqueuer.Enqueue(ctx, "", []string{msg.From}, content); err != nil {
		return fmt.Errorf("enqueue report for %s: %w", msg.ID, err)
	}
	return nil
}

// render produces the non-delivery report body
func (n *DSNNotifier) render(msg *queue.Message, domain string, rcpts []queue.Recipient) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: Mail Delivery System <MAILER-DAEMON@%s>\r\n", n.hostname)
	fmt.Fprintf(&buf, "To: <%s>\r\n", msg.From)
	fmt.Fprintf(&buf, "Subject: Undelivered Mail Returned to Sender\r\n")
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Auto-Submitted: auto-replied\r\n")
	fmt.Fprintf(&buf, "\r\n")

	fmt.Fprintf(&buf, "This is the mail system at host %s.\r\n\r\n", n.hostname)
	fmt.Fprintf(&buf, "Your message (id %s) could not be delivered to one or more\r\n", msg.ID)
	fmt.Fprintf(&buf, "recipients at %s. The message has been discarded.\r\n\r\n", domain)

	for _, rcpt := range rcpts {
		reason := rcpt.LastError
		if reason == "" {
			reason = "delivery failed"
		}
		fmt.Fprintf(&buf, "  <%s>: %s\r\n", rcpt.Address, reason)
	}

	return buf.Bytes()
}

// Recorder is a Notifier that keeps notifications in memory for inspection
type Recorder struct {
	mu      sync.Mutex
	bounces []RecordedBounce
}

// RecordedBounce is one captured notification
type RecordedBounce struct {
	MessageID  string
	From       string
	Domain     string
	Recipients []queue.Recipient
}

var _ queue.Notifier = (*Recorder)(nil)

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// NotifyBounce captures the notification
func (r *Recorder) NotifyBounce(_ context.Context, msg *queue.Message, domain string, rcpts []queue.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bounces = append(r.bounces, RecordedBounce{
		MessageID:  msg.ID,
		From:       msg.From,
		Domain:     domain,
		Recipients: append([]queue.Recipient(nil), rcpts...),
	})
	return nil
}

// Bounces returns a copy of the captured notifications
func (r *Recorder) Bounces() []RecordedBounce {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedBounce(nil), r.bounces...)
}
