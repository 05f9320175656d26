package twilio

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"reminders/internal/channel"
	"reminders/internal/observability"
	"reminders/internal/util"
)

type SMSClient interface {
	SendSMS(ctx context.Context, req SendRequest) (SendResponse, int, error)
}

// Sender delivers the sms channel through the Messages API.
type Sender struct {
	Client            SMSClient
	StatusCallbackURL string
	// LocalRetries is how many quick in-call retries a transient failure gets before it is
	// handed back to the dispatcher.
	LocalRetries int
	Log          *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func (s *Sender) Send(ctx context.Context, msg channel.Message) (channel.Result, error) {
	to := util.NormalizePhone(msg.Address)
	if to == "" {
		return channel.Result{}, channel.Permanent(msg, "recipient has no phone number", nil)
	}
	body := smsBody(msg)
	sleep := s.sleep
	if sleep == nil {
		sleep = wait
	}

	var lastErr error
	for attempt := 0; attempt <= s.LocalRetries; attempt++ {
		start := time.Now()
		resp, httpStatus, err := s.Client.SendSMS(ctx, SendRequest{To: to, Body: body, StatusCallbackURL: s.StatusCallbackURL})
		if err == nil {
			observability.TwilioSend.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()
			observability.TwilioLatency.Observe(time.Since(start).Seconds())
			return channel.Result{ProviderRef: resp.Sid}, nil
		}
		observability.TwilioSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		lastErr = err

		if !ShouldRetry(err, httpStatus) {
			return channel.Result{}, channel.Permanent(msg, "twilio rejected message", err)
		}
		if attempt < s.LocalRetries {
			if s.Log != nil {
				s.Log.Warn("twilio transient failure, retrying", "reminder_id", msg.ReminderID, "http_status", httpStatus, "err", err)
			}
			if err := sleep(ctx, Backoff(attempt)); err != nil {
				break
			}
		}
	}
	return channel.Result{}, channel.Transient(msg, "twilio unavailable", lastErr)
}

// wait pauses for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// smsBody flattens title, message and action link into one text.
func smsBody(msg channel.Message) string {
	var b strings.Builder
	if msg.Title != "" {
		b.WriteString(msg.Title)
		b.WriteString("\n")
	}
	b.WriteString(msg.Body)
	if msg.ActionURL != "" {
		b.WriteString("\n")
		if msg.ActionText != "" {
			b.WriteString(msg.ActionText)
			b.WriteString(": ")
		}
		b.WriteString(msg.ActionURL)
	}
	return b.String()
}
