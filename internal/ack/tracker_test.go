package ack

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/domain"
	sqsqueue "reminders/internal/queue/sqs"
	"reminders/internal/recurrence"
	"reminders/internal/store/memstore"
)

func setup(t *testing.T, mut func(r *domain.Reminder)) (*Tracker, *memstore.Store, domain.Reminder) {
	t.Helper()
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sent := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := domain.Reminder{
		ID:                  "r1",
		Title:               "t",
		Message:             "m",
		RecipientIDs:        []string{"u1", "u2"},
		Channels:            []domain.Channel{domain.ChannelEmail},
		ScheduledFor:        sent,
		Frequency:           domain.FrequencyOnce,
		AllowAcknowledgment: true,
		RequireConfirmation: true,
		Status:              domain.StatusSent,
		SentAt:              &sent,
	}
	if mut != nil {
		mut(&r)
	}
	created, err := st.Create(context.Background(), r)
	require.NoError(t, err)
	return New(st, recurrence.NewSpawner(st, log), log), st, created
}

func TestAcknowledgeRequiresEveryRecipient(t *testing.T) {
	ctx := context.Background()
	tr, st, r := setup(t, nil)

	got, err := tr.Acknowledge(ctx, r.ID, "u1", "on it")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, got.Status)
	assert.NotNil(t, got.AcknowledgedAt)
	assert.Nil(t, got.CompletedAt)

	// repeated acknowledgment changes nothing
	got, err = tr.Acknowledge(ctx, r.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, got.Status)
	acks, _ := st.Acknowledgments(ctx, r.ID)
	require.Len(t, acks, 1)
	assert.Equal(t, "on it", acks[0].ResponseNote)

	got, err = tr.Acknowledge(ctx, r.ID, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	got, err = tr.Acknowledge(ctx, r.ID, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestAcknowledgeWithoutConfirmationCompletesOnFirst(t *testing.T) {
	tr, _, r := setup(t, func(r *domain.Reminder) { r.RequireConfirmation = false })
	got, err := tr.Acknowledge(context.Background(), r.ID, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestAcknowledgeRejections(t *testing.T) {
	ctx := context.Background()

	tr, _, r := setup(t, func(r *domain.Reminder) { r.AllowAcknowledgment = false })
	_, err := tr.Acknowledge(ctx, r.ID, "u1", "")
	assert.ErrorIs(t, err, domain.ErrNotAllowed)

	tr, _, r = setup(t, nil)
	_, err = tr.Acknowledge(ctx, r.ID, "stranger", "")
	assert.ErrorIs(t, err, domain.ErrNotAllowed)

	_, err = tr.Acknowledge(ctx, "missing", "u1", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tr, _, r = setup(t, func(r *domain.Reminder) { r.Status = domain.StatusCancelled })
	_, err = tr.Acknowledge(ctx, r.ID, "u1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAcknowledgeEscalatedReminder(t *testing.T) {
	tr, _, r := setup(t, func(r *domain.Reminder) {
		r.Status = domain.StatusEscalated
		r.RecipientIDs = []string{"u1"}
	})
	got, err := tr.Acknowledge(context.Background(), r.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestCompletionSpawnsNextOccurrence(t *testing.T) {
	ctx := context.Background()
	tr, st, r := setup(t, func(r *domain.Reminder) {
		r.Frequency = domain.FrequencyWeekly
		r.RecipientIDs = []string{"u1"}
	})
	_, err := tr.Acknowledge(ctx, r.ID, "u1", "")
	require.NoError(t, err)

	next, err := st.Get(ctx, recurrence.OccurrenceID(r.SeriesID, r.ScheduledFor.AddDate(0, 0, 7)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, next.Status)
}

func TestHandleEventDropsPermanentFailures(t *testing.T) {
	ctx := context.Background()
	tr, _, r := setup(t, nil)

	assert.NoError(t, tr.HandleEvent(ctx, sqsqueue.AckEvent{ReminderID: r.ID, RecipientID: "stranger"}))
	assert.NoError(t, tr.HandleEvent(ctx, sqsqueue.AckEvent{ReminderID: "missing", RecipientID: "u1"}))
	assert.NoError(t, tr.HandleEvent(ctx, sqsqueue.AckEvent{ReminderID: r.ID, RecipientID: "u1"}))
}
