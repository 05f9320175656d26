package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type SQSOptions struct {
	Region string
	// Endpoint points the client at LocalStack (e.g. http://localhost:4566) with static
	// dummy credentials. Empty means real AWS.
	Endpoint string
	// MaxAttempts caps the SDK's own retries; 0 keeps the SDK default.
	MaxAttempts int
}

func (o SQSOptions) loadOptions() []func(*configv2.LoadOptions) error {
	opts := []func(*configv2.LoadOptions) error{configv2.WithRegion(o.Region)}
	if o.MaxAttempts > 0 {
		opts = append(opts, configv2.WithRetryMaxAttempts(o.MaxAttempts))
	}
	if o.Endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	return opts
}

// NewSQSClient loads the default AWS config chain with o applied.
func NewSQSClient(ctx context.Context, o SQSOptions) (*sqs.Client, error) {
	cfg, err := configv2.LoadDefaultConfig(ctx, o.loadOptions()...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, func(so *sqs.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
	}), nil
}
