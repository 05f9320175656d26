// Package bootstrap turns configuration into the store, transports and recipient directory
// shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"reminders/internal/awsutil"
	"reminders/internal/channel"
	"reminders/internal/config"
	"reminders/internal/directory"
	"reminders/internal/domain"
	"reminders/internal/providers/twilio"
	sqsqueue "reminders/internal/queue/sqs"
	"reminders/internal/store"
	"reminders/internal/store/memstore"
	"reminders/internal/store/mongostore"
	"reminders/internal/store/pg"
)

// Store is an opened backend plus its readiness probe and cleanup.
type Store struct {
	store.Store
	Ping  func(ctx context.Context) error
	Close func()
}

func OpenStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return nil, err
		}
		s := pg.New(pool)
		if cfg.MigrateOnStart {
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("postgres migrations applied")
		}
		return &Store{Store: s, Ping: s.Ping, Close: pool.Close}, nil

	case config.DriverMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoURI, 5*time.Second)
		if err != nil {
			return nil, err
		}
		s := mongostore.New(client, cfg.MongoDatabase)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		closeFn := func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(cctx)
		}
		return &Store{Store: s, Ping: s.Ping, Close: closeFn}, nil

	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return &Store{
			Store: memstore.New(),
			Ping:  func(context.Context) error { return nil },
			Close: func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func queueURLs(cfg config.DeliveryConfig) map[domain.Channel]string {
	return map[domain.Channel]string{
		domain.ChannelEmail: cfg.EmailQueueURL,
		domain.ChannelPush:  cfg.PushQueueURL,
		domain.ChannelChat:  cfg.ChatQueueURL,
		domain.ChannelInApp: cfg.InAppQueueURL,
	}
}

// NeedsSQS reports whether any channel is handed off through a queue.
func NeedsSQS(cfg config.DeliveryConfig) bool {
	for _, u := range queueURLs(cfg) {
		if u != "" {
			return true
		}
	}
	return false
}

func SQSClient(ctx context.Context, cfg config.DeliveryConfig) (*sqs.Client, error) {
	c, err := awsutil.NewSQSClient(ctx, awsutil.SQSOptions{
		Region:      cfg.AWSRegion,
		Endpoint:    cfg.LocalstackEndpoint,
		MaxAttempts: cfg.SQSMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs client: %w", err)
	}
	return c, nil
}

// BuildRegistry registers a sender for every channel. Channels with a queue URL go to SQS,
// sms goes to Twilio when credentials are set, and the rest are written to the log. sqsAPI
// may be nil when NeedsSQS is false.
func BuildRegistry(cfg config.DeliveryConfig, sqsAPI sqsqueue.API, log *slog.Logger) *channel.Registry {
	reg := channel.NewRegistry(log)
	queueLimits := channel.DefaultLimits()
	queueLimits.RPS = cfg.ChannelRPS
	queueLimits.Burst = cfg.ChannelBurst

	urls := queueURLs(cfg)
	for _, ch := range domain.AllChannels {
		if ch == domain.ChannelSMS && cfg.TwilioEnabled() {
			lim := channel.DefaultLimits()
			lim.RPS = cfg.TwilioRPSPerPod
			lim.Burst = cfg.TwilioBurst
			reg.Register(ch, &twilio.Sender{
				Client: &twilio.Client{
					AccountSID:          cfg.TwilioAccountSID,
					AuthToken:           cfg.TwilioAuthToken,
					HTTP:                &http.Client{Timeout: 8 * time.Second},
					MessagingServiceSID: cfg.TwilioMessagingServiceSID,
					FromNumber:          cfg.TwilioFromNumber,
					BaseURL:             cfg.TwilioBaseURL,
				},
				StatusCallbackURL: cfg.TwilioStatusCallbackURL,
				LocalRetries:      1,
				Log:               log,
			}, lim)
			log.Info("channel registered", "channel", ch, "transport", "twilio")
			continue
		}
		if u := urls[ch]; u != "" && sqsAPI != nil {
			reg.Register(ch, &sqsqueue.Producer{SQS: sqsAPI, QueueURL: u}, queueLimits)
			log.Info("channel registered", "channel", ch, "transport", "sqs", "queue_url", u)
			continue
		}
		reg.Register(ch, channel.LogSender{Log: log}, channel.Limits{})
		log.Info("channel registered", "channel", ch, "transport", "log")
	}
	return reg
}

// Resolver serves contacts from RECIPIENTS_FILE, or passes ids through when it is unset.
func Resolver(cfg config.DeliveryConfig, log *slog.Logger) (channel.Resolver, error) {
	if cfg.RecipientsFile == "" {
		return channel.IdentityResolver{}, nil
	}
	r, err := directory.LoadRecipients(cfg.RecipientsFile)
	if err != nil {
		return nil, err
	}
	log.Info("recipient directory loaded", "file", cfg.RecipientsFile, "recipients", len(r))
	return r, nil
}
