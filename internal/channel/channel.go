// Package channel defines the delivery transport seam and the registry that guards each
// transport with a rate limiter and a circuit breaker.
package channel

import (
	"context"
	"fmt"

	"reminders/internal/domain"
)

// Contact holds the addresses a recipient can be reached at.
type Contact struct {
	RecipientID string `yaml:"id" json:"id"`
	DisplayName string `yaml:"name" json:"name,omitempty"`
	Email       string `yaml:"email" json:"email,omitempty"`
	Phone       string `yaml:"phone" json:"phone,omitempty"`
	PushToken   string `yaml:"pushToken" json:"pushToken,omitempty"`
	ChatID      string `yaml:"chatId" json:"chatId,omitempty"`
}

// Address returns the destination on ch, or "" when the recipient has none.
func (c Contact) Address(ch domain.Channel) string {
	switch ch {
	case domain.ChannelEmail:
		return c.Email
	case domain.ChannelSMS:
		return c.Phone
	case domain.ChannelPush:
		return c.PushToken
	case domain.ChannelChat:
		return c.ChatID
	case domain.ChannelInApp:
		return c.RecipientID
	}
	return ""
}

// Message is one rendered notification bound for one recipient on one channel.
type Message struct {
	ReminderID     string          `json:"reminderId"`
	RecipientID    string          `json:"recipientId"`
	Channel        domain.Channel  `json:"channel"`
	Address        string          `json:"address"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Priority       domain.Priority `json:"priority"`
	ActionURL      string          `json:"actionUrl,omitempty"`
	ActionText     string          `json:"actionText,omitempty"`
	CanAcknowledge bool            `json:"canAcknowledge"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempt        int             `json:"attempt"`
}

// Result is what a transport reports back for an accepted message.
type Result struct {
	ProviderRef string
}

// Sender delivers a message over one transport. Failures should be *domain.DeliveryError so
// the caller can tell transient from permanent; any other error is treated as transient.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

type SenderFunc func(ctx context.Context, msg Message) (Result, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Result, error) { return f(ctx, msg) }

// Resolver maps a recipient id to its contact addresses.
type Resolver interface {
	Resolve(ctx context.Context, recipientID string) (Contact, error)
}

// IdentityResolver knows nothing but the id, which is enough for in-app delivery and for
// transports that look addresses up themselves.
type IdentityResolver struct{}

func (IdentityResolver) Resolve(_ context.Context, recipientID string) (Contact, error) {
	return Contact{RecipientID: recipientID}, nil
}

// StaticResolver serves contacts from a fixed map.
type StaticResolver map[string]Contact

func (s StaticResolver) Resolve(_ context.Context, recipientID string) (Contact, error) {
	c, ok := s[recipientID]
	if !ok {
		return Contact{}, fmt.Errorf("recipient %s: %w", recipientID, domain.ErrNotFound)
	}
	if c.RecipientID == "" {
		c.RecipientID = recipientID
	}
	return c, nil
}

// Permanent wraps err as a delivery failure that retrying will not fix.
func Permanent(msg Message, detail string, err error) *domain.DeliveryError {
	return &domain.DeliveryError{RecipientID: msg.RecipientID, Channel: msg.Channel, Detail: detail, Err: err}
}

// Transient wraps err as a delivery failure worth retrying.
func Transient(msg Message, detail string, err error) *domain.DeliveryError {
	return &domain.DeliveryError{RecipientID: msg.RecipientID, Channel: msg.Channel, Detail: detail, Retryable: true, Err: err}
}
