package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type StoreConfig struct {
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN         string `envconfig:"DB_DSN"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"reminders"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
	// MigrateOnStart applies embedded schema migrations before serving.
	MigrateOnStart bool `envconfig:"DB_MIGRATE_ON_START" default:"true"`
}

// DeliveryConfig covers everything needed to build the channel registry and dispatcher.
type DeliveryConfig struct {
	RecipientsFile string `envconfig:"RECIPIENTS_FILE"`

	DispatchMaxAttempts int `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"3"`
	DispatchConcurrency int `envconfig:"DISPATCH_CONCURRENCY" default:"8"`

	// AWS / SQS
	AWSRegion          string  `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string  `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSMaxAttempts     int     `envconfig:"SQS_MAX_ATTEMPTS" default:"3"`
	EmailQueueURL      string  `envconfig:"EMAIL_QUEUE_URL"`
	PushQueueURL       string  `envconfig:"PUSH_QUEUE_URL"`
	ChatQueueURL       string  `envconfig:"CHAT_QUEUE_URL"`
	InAppQueueURL      string  `envconfig:"IN_APP_QUEUE_URL"`
	ChannelRPS         float64 `envconfig:"CHANNEL_RPS" default:"20"`
	ChannelBurst       int     `envconfig:"CHANNEL_BURST" default:"40"`

	// Twilio
	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioStatusCallbackURL   string  `envconfig:"TWILIO_STATUS_CALLBACK_URL"`
	TwilioRPSPerPod           float64 `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`
}

// TwilioEnabled reports whether SMS should go to Twilio instead of the log sender.
func (c DeliveryConfig) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

type APIConfig struct {
	StoreConfig
	DeliveryConfig

	Port          string `envconfig:"PORT" default:"8080"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	TemplatesFile string `envconfig:"TEMPLATES_FILE"`
}

type WorkerConfig struct {
	StoreConfig
	DeliveryConfig

	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	SweepSchedule      string        `envconfig:"SWEEP_SCHEDULE" default:"@every 30s"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"8"`
	SweepBatchSize     int           `envconfig:"SWEEP_BATCH_SIZE" default:"200"`
	CatchUpWindow      time.Duration `envconfig:"CATCH_UP_WINDOW" default:"24h"`
	EscalationAudience []string      `envconfig:"ESCALATION_AUDIENCE"`

	// acknowledgment events
	AckQueueURL   string `envconfig:"ACK_QUEUE_URL"`
	AckConsumers  int    `envconfig:"ACK_CONSUMERS" default:"4"`
	SQSWaitTime   int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

func (c StoreConfig) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBDSN == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// LoadAPI reads an optional .env file and then the environment. Invalid configuration panics.
func LoadAPI() APIConfig {
	_ = godotenv.Load()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	_ = godotenv.Load()
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	if cfg.WorkerConcurrency <= 0 {
		panic(errors.New("WORKER_CONCURRENCY must be positive"))
	}
	return cfg
}
