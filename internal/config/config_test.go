package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkerDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverMemory)
	t.Setenv("ESCALATION_AUDIENCE", "mgr1,mgr2")

	cfg := LoadWorker()
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.CatchUpWindow)
	assert.Equal(t, []string{"mgr1", "mgr2"}, cfg.EscalationAudience)
	assert.Equal(t, 3, cfg.DispatchMaxAttempts)
	assert.False(t, cfg.TwilioEnabled())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.SQSMaxAttempts)
	assert.Equal(t, "reminders", cfg.MongoDatabase)
}

func TestLoadAPIRequiresDSNForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverPostgres)
	t.Setenv("DB_DSN", "")
	assert.Panics(t, func() { LoadAPI() })

	t.Setenv("DB_DSN", "postgres://localhost/reminders")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	cfg := LoadAPI()
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.True(t, cfg.TwilioEnabled())
	assert.Equal(t, "8080", cfg.Port)
}

func TestUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")
	assert.Panics(t, func() { LoadWorker() })
}
