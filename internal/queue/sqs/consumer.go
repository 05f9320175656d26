package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"reminders/internal/observability"
)

// AckEvent is an acknowledgment captured outside the API, for example by a push or chat
// transport when the recipient taps the action.
type AckEvent struct {
	ReminderID     string    `json:"reminderId"`
	RecipientID    string    `json:"recipientId"`
	ResponseNote   string    `json:"responseNote,omitempty"`
	Source         string    `json:"source,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
}

// AckHandler returns nil once the event needs no further processing. A non-nil error
// leaves the message on the queue for redrive.
type AckHandler func(ctx context.Context, ev AckEvent) error

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes acknowledgment events with a worker pool. Messages are deleted
// only after the handler completes.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler AckHandler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	// fetch messages and feed the workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("sqs receive ack event failed", "err", err)
				}
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// workers drain whatever is already buffered
	wg.Wait()
	return err
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler AckHandler) {
	if m.Body == nil {
		observability.AckEvents.WithLabelValues("empty").Inc()
		c.delete(ctx, m)
		return
	}

	var ev AckEvent
	if err := json.Unmarshal([]byte(*m.Body), &ev); err != nil || ev.ReminderID == "" || ev.RecipientID == "" {
		// bad payload => delete to avoid endless redrive
		observability.AckEvents.WithLabelValues("invalid").Inc()
		slog.Warn("dropping malformed ack event", "message_id", deref(m.MessageId))
		c.delete(ctx, m)
		return
	}

	if err := handler(ctx, ev); err != nil {
		observability.AckEvents.WithLabelValues("error").Inc()
		slog.Error("ack event handler error", "err", err, "reminder_id", ev.ReminderID, "recipient_id", ev.RecipientID)
		return
	}
	observability.AckEvents.WithLabelValues("ok").Inc()
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Warn("sqs delete message failed", "err", err, "message_id", deref(m.MessageId))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
