//go:build integration

package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/domain"
	"reminders/internal/store"
)

// setupTestDB gives every test its own database. Batch tests need TEST_MONGO_URI to point
// at a replica set.
func setupTestDB(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, uri, 5*time.Second)
	require.NoError(t, err)

	s := New(client, fmt.Sprintf("reminders_test_%d", time.Now().UnixNano()))
	require.NoError(t, s.EnsureIndexes(ctx))
	t.Cleanup(func() {
		_ = s.DB.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return s
}

// mongo keeps millisecond precision
var base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func sample(title string, offset time.Duration) domain.Reminder {
	return domain.Reminder{
		Title:        title,
		Message:      "Bring your badge",
		RecipientIDs: []string{"u1"},
		ScheduledFor: base.Add(offset),
		Frequency:    domain.FrequencyOnce,
		Channels:     []domain.Channel{domain.ChannelEmail},
		Priority:     domain.PriorityLow,
		Status:       domain.StatusPending,
		CreatedBy:    "admin",
		CreatedAt:    base.Add(offset),
	}
}

func TestCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	created, err := s.Create(ctx, sample("Badge", 0))
	require.NoError(t, err)
	_, err = s.Create(ctx, created)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, int64(1), got.Version)

	stale := got
	got.Status = domain.StatusSent
	updated, err := s.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	_, err = s.Update(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrConcurrency)

	require.NoError(t, s.Delete(ctx, created.ID))
	assert.ErrorIs(t, s.Delete(ctx, created.ID), domain.ErrNotFound)
}

func TestListDueDateOrder(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	a := sample("no due", 0)
	b := sample("due", time.Hour)
	due := base.Add(2 * time.Hour)
	b.DueDate = &due
	for _, r := range []domain.Reminder{a, b} {
		_, err := s.Create(ctx, r)
		require.NoError(t, err)
	}

	res, err := s.List(ctx, store.Filter{}, store.Sort{Field: store.SortDueDate}, store.Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "due", res.Items[0].Title)

	cutoff := base.Add(3 * time.Hour)
	res, err = s.List(ctx, store.Filter{DueBefore: &cutoff}, store.Sort{}, store.Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
}

func TestApplyBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	a, err := s.Create(ctx, sample("A", 0))
	require.NoError(t, err)

	a.Status = domain.StatusCancelled
	err = s.ApplyBatch(ctx, []store.BatchOp{
		{Kind: store.OpUpdate, ID: a.ID, Reminder: a},
		{Kind: store.OpDelete, ID: "missing"},
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestAcknowledgmentsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	ack := domain.Acknowledgment{ReminderID: "r1", RecipientID: "u1", AcknowledgedAt: base}
	ok, err := s.InsertAcknowledgment(ctx, ack)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertAcknowledgment(ctx, ack)
	require.NoError(t, err)
	assert.False(t, ok)

	acks, err := s.Acknowledgments(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, acks, 1)
}

func TestDeliveryState(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeRetrying, AttemptNumber: 1, Timestamp: base}))
	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeSuccess, AttemptNumber: 2, Timestamp: base.Add(time.Second)}))

	st, err := s.DeliveryState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryState{Attempts: 2, Succeeded: true}, st)

	err = s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeSuccess, AttemptNumber: 3, Timestamp: base.Add(time.Minute)})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeFailure, AttemptNumber: 4, Timestamp: base.Add(2 * time.Minute)}))
}
