package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/channel"
	"reminders/internal/config"
	"reminders/internal/domain"
)

type fakeSQS struct {
	mu   sync.Mutex
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	id := "m-1"
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildRegistryRoutesQueuesAndFallsBackToLog(t *testing.T) {
	cfg := config.DeliveryConfig{EmailQueueURL: "https://sqs.local/email", ChannelRPS: 100, ChannelBurst: 10}
	require.True(t, NeedsSQS(cfg))

	fake := &fakeSQS{}
	reg := BuildRegistry(cfg, fake, quiet())
	assert.ElementsMatch(t, domain.AllChannels, reg.Channels())

	ctx := context.Background()
	res, err := reg.Send(ctx, channel.Message{ReminderID: "rem_1", RecipientID: "u1", Channel: domain.ChannelEmail, Address: "u1@example.org", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.ProviderRef)
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "https://sqs.local/email", *fake.sent[0].QueueUrl)

	// sms has neither a queue nor Twilio credentials
	res, err = reg.Send(ctx, channel.Message{ReminderID: "rem_1", RecipientID: "u1", Channel: domain.ChannelSMS, IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, "log:k2", res.ProviderRef)
	assert.Len(t, fake.sent, 1)
}

func TestBuildRegistryWithoutSQSClient(t *testing.T) {
	cfg := config.DeliveryConfig{PushQueueURL: "https://sqs.local/push"}
	reg := BuildRegistry(cfg, nil, quiet())
	res, err := reg.Send(context.Background(), channel.Message{Channel: domain.ChannelPush, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "log:k", res.ProviderRef)
}

func TestNeedsSQS(t *testing.T) {
	assert.False(t, NeedsSQS(config.DeliveryConfig{}))
	assert.True(t, NeedsSQS(config.DeliveryConfig{InAppQueueURL: "q"}))
}

func TestResolver(t *testing.T) {
	r, err := Resolver(config.DeliveryConfig{}, quiet())
	require.NoError(t, err)
	assert.IsType(t, channel.IdentityResolver{}, r)

	p := filepath.Join(t.TempDir(), "recipients.yaml")
	require.NoError(t, os.WriteFile(p, []byte("recipients:\n  - id: u1\n    email: u1@example.org\n"), 0o600))
	r, err = Resolver(config.DeliveryConfig{RecipientsFile: p}, quiet())
	require.NoError(t, err)
	c, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.org", c.Email)

	_, err = Resolver(config.DeliveryConfig{RecipientsFile: filepath.Join(t.TempDir(), "missing.yaml")}, quiet())
	assert.Error(t, err)
}

func TestOpenMemoryStore(t *testing.T) {
	s, err := OpenStore(context.Background(), config.StoreConfig{StoreDriver: config.DriverMemory}, quiet())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))

	_, err = s.Get(context.Background(), "rem_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{StoreDriver: "cassandra"}, quiet())
	assert.Error(t, err)
}
