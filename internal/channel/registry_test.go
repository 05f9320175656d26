package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/domain"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSendUnknownChannelIsPermanent(t *testing.T) {
	reg := NewRegistry(quietLog())
	_, err := reg.Send(context.Background(), Message{RecipientID: "u1", Channel: domain.ChannelSMS})

	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Retryable)
	assert.Equal(t, domain.ChannelSMS, de.Channel)
}

func TestSendPassesThroughResult(t *testing.T) {
	reg := NewRegistry(quietLog())
	var got Message
	reg.Register(domain.ChannelEmail, SenderFunc(func(_ context.Context, m Message) (Result, error) {
		got = m
		return Result{ProviderRef: "abc"}, nil
	}), Limits{})

	res, err := reg.Send(context.Background(), Message{RecipientID: "u1", Channel: domain.ChannelEmail, Title: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ProviderRef)
	assert.Equal(t, "hi", got.Title)
	assert.Equal(t, []domain.Channel{domain.ChannelEmail}, reg.Channels())
}

func TestPlainErrorsAreTransient(t *testing.T) {
	reg := NewRegistry(quietLog())
	reg.Register(domain.ChannelPush, SenderFunc(func(context.Context, Message) (Result, error) {
		return Result{}, errors.New("boom")
	}), Limits{})

	_, err := reg.Send(context.Background(), Message{RecipientID: "u1", Channel: domain.ChannelPush})
	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Retryable)
}

func TestBreakerOpensAfterTransientFailures(t *testing.T) {
	reg := NewRegistry(quietLog())
	calls := 0
	reg.Register(domain.ChannelChat, SenderFunc(func(_ context.Context, m Message) (Result, error) {
		calls++
		return Result{}, Transient(m, "upstream 503", nil)
	}), Limits{TripAfter: 2, OpenFor: time.Minute})

	msg := Message{RecipientID: "u1", Channel: domain.ChannelChat}
	for i := 0; i < 2; i++ {
		_, err := reg.Send(context.Background(), msg)
		require.Error(t, err)
	}
	_, err := reg.Send(context.Background(), msg)
	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Retryable)
	assert.Equal(t, "circuit open", de.Detail)
	assert.Equal(t, 2, calls)
}

func TestPermanentFailuresDoNotTripBreaker(t *testing.T) {
	reg := NewRegistry(quietLog())
	calls := 0
	reg.Register(domain.ChannelSMS, SenderFunc(func(_ context.Context, m Message) (Result, error) {
		calls++
		return Result{}, Permanent(m, "invalid number", nil)
	}), Limits{TripAfter: 1, OpenFor: time.Minute})

	msg := Message{RecipientID: "u1", Channel: domain.ChannelSMS}
	for i := 0; i < 3; i++ {
		_, err := reg.Send(context.Background(), msg)
		var de *domain.DeliveryError
		require.ErrorAs(t, err, &de)
		assert.False(t, de.Retryable)
	}
	assert.Equal(t, 3, calls)
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"u1": {Email: "a@example.org"}}
	c, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.RecipientID)
	assert.Equal(t, "a@example.org", c.Address(domain.ChannelEmail))
	assert.Equal(t, "u1", c.Address(domain.ChannelInApp))
	assert.Empty(t, c.Address(domain.ChannelSMS))

	_, err = r.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
