package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"reminders/internal/channel"
	"reminders/internal/observability"
)

const defaultGroupBuckets = 1024

// API is the slice of the SQS client the queue code uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Producer hands channel messages to the queue read by that channel's delivery service.
// It satisfies channel.Sender.
type Producer struct {
	SQS      API
	QueueURL string
	// GroupBuckets spreads recipients over this many FIFO message groups.
	GroupBuckets int
}

func (p *Producer) Send(ctx context.Context, msg channel.Message) (channel.Result, error) {
	if msg.Address == "" {
		return channel.Result{}, channel.Permanent(msg, "recipient has no "+string(msg.Channel)+" address", nil)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return channel.Result{}, channel.Permanent(msg, "encode message", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel":  {DataType: str("String"), StringValue: str(string(msg.Channel))},
			"priority": {DataType: str("String"), StringValue: str(string(msg.Priority))},
		},
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// per recipient ordering; dedup collapses repeated hand-offs of the same delivery
		in.MessageGroupId = str(messageGroupIDBucketed(string(msg.Channel), msg.RecipientID, p.GroupBuckets))
		in.MessageDeduplicationId = str(msg.IdempotencyKey)
	}

	out, err := p.SQS.SendMessage(ctx, in)
	if err != nil {
		observability.Enqueues.WithLabelValues(string(msg.Channel), "error").Inc()
		return channel.Result{}, channel.Transient(msg, "enqueue failed", err)
	}
	observability.Enqueues.WithLabelValues(string(msg.Channel), "ok").Inc()

	ref := ""
	if out != nil && out.MessageId != nil {
		ref = *out.MessageId
	}
	return channel.Result{ProviderRef: ref}, nil
}

func messageGroupIDBucketed(prefix, key string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s:%d", prefix, h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
