package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/channel"
	"reminders/internal/domain"
	"reminders/internal/recurrence"
	"reminders/internal/store/memstore"
)

type scriptedSender struct {
	mu    sync.Mutex
	sent  []channel.Message
	fn    func(n int, m channel.Message) error
	calls map[string]int
}

func (s *scriptedSender) Send(_ context.Context, m channel.Message) (channel.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	k := m.RecipientID + "/" + string(m.Channel)
	s.calls[k]++
	s.sent = append(s.sent, m)
	if s.fn != nil {
		if err := s.fn(s.calls[k], m); err != nil {
			return channel.Result{}, err
		}
	}
	return channel.Result{ProviderRef: "ok"}, nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newFixture(t *testing.T, sender Sender, mut func(r *domain.Reminder)) (*Dispatcher, *memstore.Store, domain.Reminder) {
	t.Helper()
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(st, sender, channel.StaticResolver{
		"u1": {Email: "u1@example.org", DisplayName: "Ana", Phone: "+1555"},
		"u2": {Email: "u2@example.org", Phone: "+1666"},
	}, recurrence.NewSpawner(st, log), Config{MaxAttempts: 3, Concurrency: 4}, log)
	d.sleep = func(context.Context, time.Duration) error { return nil }

	r := domain.Reminder{
		ID:                  "r1",
		Title:               "Dues for {{recipientName}}",
		Message:             "Pay {{amount}}",
		Variables:           map[string]string{"amount": "$20"},
		RecipientIDs:        []string{"u1", "u2"},
		Channels:            []domain.Channel{domain.ChannelEmail, domain.ChannelSMS},
		ScheduledFor:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Frequency:           domain.FrequencyOnce,
		Priority:            domain.PriorityMedium,
		AllowAcknowledgment: true,
		Status:              domain.StatusPending,
	}
	if mut != nil {
		mut(&r)
	}
	created, err := st.Create(context.Background(), r)
	require.NoError(t, err)
	return d, st, created
}

func TestDispatchAllSucceed(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{}
	d, st, r := newFixture(t, snd, nil)

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, rep.Status)
	assert.Equal(t, 4, rep.Succeeded)
	assert.Equal(t, 4, snd.count())

	got, err := st.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	assert.Equal(t, 1, got.SendAttempts)
	assert.NotNil(t, got.SentAt)

	dels, err := st.Deliveries(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, dels, 4)
	for _, dl := range dels {
		assert.Equal(t, domain.OutcomeSuccess, dl.Outcome)
		assert.Equal(t, 1, dl.AttemptNumber)
	}

	for _, m := range snd.sent {
		if m.RecipientID == "u1" {
			assert.Equal(t, "Dues for Ana", m.Title)
		}
		assert.Equal(t, "Pay $20", m.Body)
	}
}

func TestDispatchTwiceDoesNotResend(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{}
	d, st, r := newFixture(t, snd, nil)

	_, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)

	assert.Equal(t, 4, snd.count())
	assert.Equal(t, 4, rep.Skipped)
	got, _ := st.Get(ctx, r.ID)
	assert.Equal(t, 2, got.SendAttempts)
	assert.Equal(t, domain.StatusSent, got.Status)
}

func TestConcurrentDispatchRecordsOneSuccessPerPair(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{fn: func(int, channel.Message) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	d, st, r := newFixture(t, snd, nil)

	var wg sync.WaitGroup
	reps := make([]Report, 2)
	for i := range reps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := d.Dispatch(ctx, r)
			assert.NoError(t, err)
			reps[i] = rep
		}(i)
	}
	wg.Wait()

	dels, err := st.Deliveries(ctx, r.ID)
	require.NoError(t, err)
	perKey := map[string]int{}
	for _, dl := range dels {
		if dl.Outcome == domain.OutcomeSuccess {
			perKey[dl.IdempotencyKey]++
		}
	}
	assert.Len(t, perKey, 4)
	for key, n := range perKey {
		assert.Equal(t, 1, n, key)
	}
	// whichever cycle lost a pair reports it as skipped
	assert.Equal(t, 8, reps[0].Succeeded+reps[1].Succeeded)
	assert.Equal(t, 4, reps[0].Skipped+reps[1].Skipped)
}

func TestDispatchFailedEscalationRoundRestartsDelay(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{fn: func(int, channel.Message) error {
		return &domain.DeliveryError{Detail: "mailbox full", Retryable: false}
	}}
	old := time.Now().UTC().Add(-5 * time.Hour)
	d, st, r := newFixture(t, snd, func(r *domain.Reminder) {
		r.Status = domain.StatusEscalated
		r.SentAt = &old
		r.EscalationCount = 1
	})

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, rep.Status)
	assert.Zero(t, rep.Succeeded)

	got, err := st.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.After(old))
	assert.NotEmpty(t, got.LastError)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{fn: func(n int, m channel.Message) error {
		if m.Channel == domain.ChannelSMS && n == 1 {
			return channel.Transient(m, "503", nil)
		}
		return nil
	}}
	d, st, r := newFixture(t, snd, nil)

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Succeeded)

	dels, _ := st.Deliveries(ctx, r.ID)
	var retrying, success int
	for _, dl := range dels {
		switch dl.Outcome {
		case domain.OutcomeRetrying:
			retrying++
			assert.Equal(t, 1, dl.AttemptNumber)
		case domain.OutcomeSuccess:
			success++
		}
	}
	assert.Equal(t, 2, retrying)
	assert.Equal(t, 4, success)
}

func TestDispatchPartialFailureIsSent(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{fn: func(_ int, m channel.Message) error {
		if m.RecipientID == "u2" {
			return channel.Permanent(m, "bounced", nil)
		}
		return nil
	}}
	d, _, r := newFixture(t, snd, nil)

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, rep.Status)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 2, rep.Failed)
	// permanent failures are not retried
	assert.Equal(t, 4, snd.count())
}

func TestDispatchAllExhaustedFails(t *testing.T) {
	ctx := context.Background()
	snd := &scriptedSender{fn: func(_ int, m channel.Message) error {
		return channel.Transient(m, "timeout", nil)
	}}
	d, st, r := newFixture(t, snd, func(r *domain.Reminder) {
		r.RecipientIDs = []string{"u1"}
		r.Channels = []domain.Channel{domain.ChannelEmail}
	})

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rep.Status)
	assert.Equal(t, 3, snd.count())

	got, _ := st.Get(ctx, r.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "timeout")

	dels, _ := st.Deliveries(ctx, r.ID)
	require.Len(t, dels, 3)
	assert.Equal(t, domain.OutcomeFailure, dels[2].Outcome)
	assert.Equal(t, 3, dels[2].AttemptNumber)
}

func TestDispatchUnknownRecipientFails(t *testing.T) {
	ctx := context.Background()
	d, st, r := newFixture(t, &scriptedSender{}, func(r *domain.Reminder) {
		r.RecipientIDs = []string{"ghost"}
	})

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rep.Status)
	got, _ := st.Get(ctx, r.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestDispatchWithoutAcknowledgmentCompletesAndSpawns(t *testing.T) {
	ctx := context.Background()
	d, st, r := newFixture(t, &scriptedSender{}, func(r *domain.Reminder) {
		r.AllowAcknowledgment = false
		r.Frequency = domain.FrequencyDaily
	})

	rep, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rep.Status)

	next, err := st.Get(ctx, recurrence.OccurrenceID(r.ID, r.ScheduledFor.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, next.Status)
}

func TestDispatchRejectsTerminalReminder(t *testing.T) {
	d, _, r := newFixture(t, &scriptedSender{}, func(r *domain.Reminder) {
		r.Status = domain.StatusCompleted
	})
	_, err := d.Dispatch(context.Background(), r)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDispatchStopsWhenCancelledMidway(t *testing.T) {
	ctx := context.Background()
	var st *memstore.Store
	snd := &scriptedSender{}
	snd.fn = func(_ int, m channel.Message) error {
		cur, _ := st.Get(ctx, m.ReminderID)
		cur.Status = domain.StatusCancelled
		_, err := st.Update(ctx, cur)
		return err
	}
	d, s, r := newFixture(t, snd, nil)
	st = s
	d.cfg.Concurrency = 1

	_, err := d.Dispatch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 1, snd.count())

	got, _ := st.Get(ctx, r.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Zero(t, got.SendAttempts)
}

func TestDispatchInterruptedKeepsStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	snd := &scriptedSender{fn: func(_ int, m channel.Message) error {
		cancel()
		return channel.Transient(m, "cancelled", context.Canceled)
	}}
	d, st, r := newFixture(t, snd, nil)

	_, err := d.Dispatch(ctx, r)
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := st.Get(context.Background(), r.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	d := New(memstore.New(), &scriptedSender{}, nil, nil, Config{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second}, nil)
	for i := 0; i < 20; i++ {
		b1 := d.backoff(1)
		assert.GreaterOrEqual(t, b1, 500*time.Millisecond)
		assert.LessOrEqual(t, b1, time.Second)
		b5 := d.backoff(5)
		assert.GreaterOrEqual(t, b5, 2*time.Second)
		assert.LessOrEqual(t, b5, 4*time.Second)
	}
}
