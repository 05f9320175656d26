package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/domain"
	"reminders/internal/store"
)

func seed(t *testing.T, s *Store, id string, mut func(r *domain.Reminder)) domain.Reminder {
	t.Helper()
	r := domain.Reminder{
		ID:           id,
		Title:        "Title " + id,
		Message:      "msg",
		RecipientIDs: []string{"u1"},
		Channels:     []domain.Channel{domain.ChannelEmail},
		ScheduledFor: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Priority:     domain.PriorityMedium,
		Frequency:    domain.FrequencyOnce,
		Status:       domain.StatusPending,
	}
	if mut != nil {
		mut(&r)
	}
	out, err := s.Create(context.Background(), r)
	require.NoError(t, err)
	return out
}

func TestCreateAssignsVersionAndRejectsDuplicates(t *testing.T) {
	s := New()
	r := seed(t, s, "r1", nil)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, "r1", r.SeriesID)
	assert.False(t, r.CreatedAt.IsZero())

	_, err := s.Create(context.Background(), domain.Reminder{ID: "r1"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	s := New()
	seed(t, s, "r1", nil)

	got, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	got.RecipientIDs[0] = "mutated"

	again, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "u1", again.RecipientIDs[0])

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	r := seed(t, s, "r1", nil)

	r.Title = "changed"
	updated, err := s.Update(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// stale copy still carries version 1
	r.Title = "stale"
	_, err = s.Update(ctx, r)
	assert.ErrorIs(t, err, domain.ErrConcurrency)
}

func TestMutateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "r1", nil)

	calls := 0
	out, err := store.Mutate(ctx, s, "r1", func(r *domain.Reminder) error {
		calls++
		if calls == 1 {
			// a concurrent writer bumps the version between read and write
			cur, _ := s.Get(ctx, "r1")
			_, err := s.Update(ctx, cur)
			require.NoError(t, err)
		}
		r.Status = domain.StatusSent
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, domain.StatusSent, out.Status)
	assert.Equal(t, int64(3), out.Version)
}

func TestListFiltersSortsAndPages(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prios := []domain.Priority{domain.PriorityLow, domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityMedium}
	for i, p := range prios {
		seed(t, s, string(rune('a'+i)), func(r *domain.Reminder) {
			r.Priority = p
			r.ScheduledFor = base.Add(time.Duration(i) * time.Hour)
		})
	}
	seed(t, s, "z", func(r *domain.Reminder) {
		r.Status = domain.StatusCompleted
		r.Title = "Board meeting"
	})

	res, err := s.List(ctx, store.Filter{Statuses: []domain.Status{domain.StatusPending}},
		store.Sort{Field: store.SortPriority, Desc: true}, store.Page{Page: 1, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.True(t, res.HasMore)
	require.Len(t, res.Items, 3)
	assert.Equal(t, domain.PriorityUrgent, res.Items[0].Priority)
	assert.Equal(t, domain.PriorityHigh, res.Items[1].Priority)
	assert.Equal(t, domain.PriorityMedium, res.Items[2].Priority)

	res, err = s.List(ctx, store.Filter{Statuses: []domain.Status{domain.StatusPending}},
		store.Sort{Field: store.SortPriority, Desc: true}, store.Page{Page: 2, Limit: 3})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.False(t, res.HasMore)

	cutoff := base.Add(90 * time.Minute)
	res, err = s.List(ctx, store.Filter{ScheduledBefore: &cutoff, Statuses: []domain.Status{domain.StatusPending}},
		store.Sort{Field: store.SortScheduledFor}, store.Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "a", res.Items[0].ID)

	res, err = s.List(ctx, store.Filter{Search: "board"}, store.Sort{}, store.Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "z", res.Items[0].ID)
}

func TestApplyBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seed(t, s, "a", nil)
	b := seed(t, s, "b", nil)

	a.Status = domain.StatusCancelled
	stale := b
	stale.Version = 99
	err := s.ApplyBatch(ctx, []store.BatchOp{
		{Kind: store.OpUpdate, ID: a.ID, Reminder: a},
		{Kind: store.OpUpdate, ID: b.ID, Reminder: stale},
	})
	assert.ErrorIs(t, err, domain.ErrConcurrency)

	got, _ := s.Get(ctx, "a")
	assert.Equal(t, domain.StatusPending, got.Status)

	require.NoError(t, s.ApplyBatch(ctx, []store.BatchOp{
		{Kind: store.OpUpdate, ID: a.ID, Reminder: a},
		{Kind: store.OpDelete, ID: b.ID},
	}))
	got, _ = s.Get(ctx, "a")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeliveryStateAndAcknowledgments(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeRetrying}))
	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeSuccess}))

	st, err := s.DeliveryState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryState{Attempts: 2, Succeeded: true}, st)

	// one success per key; failures may repeat
	err = s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeSuccess})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k2", Outcome: domain.OutcomeSuccess}))
	require.NoError(t, s.AppendDelivery(ctx, domain.Delivery{ReminderID: "r1", IdempotencyKey: "k", Outcome: domain.OutcomeFailure}))
	dels, err := s.Deliveries(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, dels, 4)

	ok, err := s.InsertAcknowledgment(ctx, domain.Acknowledgment{ReminderID: "r1", RecipientID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertAcknowledgment(ctx, domain.Acknowledgment{ReminderID: "r1", RecipientID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok)

	acks, err := s.Acknowledgments(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, acks, 1)
}
