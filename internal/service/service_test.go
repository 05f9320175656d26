package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/ack"
	"reminders/internal/channel"
	"reminders/internal/dispatch"
	"reminders/internal/domain"
	"reminders/internal/store"
	"reminders/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*ReminderService, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := channel.SenderFunc(func(_ context.Context, m channel.Message) (channel.Result, error) {
		if m.RecipientID == "bounce" {
			return channel.Result{}, channel.Permanent(m, "bounced", nil)
		}
		return channel.Result{}, nil
	})
	return &ReminderService{
		Store:      st,
		Dispatcher: dispatch.New(st, sender, nil, nil, dispatch.Config{}, log),
		Tracker:    ack.New(st, nil, log),
		Log:        log,
		Now:        func() time.Time { return t0 },
	}, st
}

func valid() domain.Reminder {
	return domain.Reminder{
		Title:        "Dues",
		Message:      "Pay by Friday",
		RecipientIDs: []string{"u1", "u2", "u1"},
		Channels:     []domain.Channel{domain.ChannelEmail},
		ScheduledFor: t0.Add(time.Hour),
	}
}

func TestCreateValidationMessages(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Create(context.Background(), "admin", domain.Reminder{})

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ElementsMatch(t, []string{
		"Title is required",
		"Message is required",
		"At least one recipient is required",
		"Scheduled date is required",
		"At least one delivery channel is required",
	}, ve.Messages())
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, _ := newService(t)
	in := valid()
	in.Status = domain.StatusCompleted
	in.SendAttempts = 9

	r, err := svc.Create(context.Background(), "admin", in)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, domain.StatusPending, r.Status)
	assert.Equal(t, domain.PriorityMedium, r.Priority)
	assert.Equal(t, domain.FrequencyOnce, r.Frequency)
	assert.Equal(t, domain.TypeCustom, r.Type())
	assert.Equal(t, []string{"u1", "u2"}, r.RecipientIDs)
	assert.Zero(t, r.SendAttempts)
	assert.Equal(t, "admin", r.CreatedBy)
}

func TestUpdateReschedulesSentReminder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	r, err := svc.Create(ctx, "admin", valid())
	require.NoError(t, err)
	_, err = svc.Send(ctx, r.ID)
	require.NoError(t, err)

	later := t0.Add(48 * time.Hour)
	title := "Dues (updated)"
	got, err := svc.Update(ctx, "editor", r.ID, Patch{Title: &title, ScheduledFor: &later})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, title, got.Title)
	assert.True(t, later.Equal(got.ScheduledFor))
	assert.Equal(t, "editor", got.UpdatedBy)
}

func TestUpdateEscalationPolicy(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	r, err := svc.Create(ctx, "admin", valid())
	require.NoError(t, err)

	delay := 4
	_, err = svc.Update(ctx, "admin", r.ID, Patch{EscalationDelay: &delay})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	on := true
	got, err := svc.Update(ctx, "admin", r.ID, Patch{AutoEscalate: &on, EscalationDelay: &delay})
	require.NoError(t, err)
	require.NotNil(t, got.Escalation)
	assert.Equal(t, 4, got.Escalation.DelayHours)

	// enabling without a delay leaves an invalid policy
	r2, err := svc.Create(ctx, "admin", valid())
	require.NoError(t, err)
	_, err = svc.Update(ctx, "admin", r2.ID, Patch{AutoEscalate: &on})
	require.ErrorAs(t, err, &ve)

	off := false
	got, err = svc.Update(ctx, "admin", r.ID, Patch{AutoEscalate: &off})
	require.NoError(t, err)
	assert.Nil(t, got.Escalation)
}

func TestUpdateRejectsTerminal(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	r, err := svc.Create(ctx, "admin", valid())
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "admin", r.ID)
	require.NoError(t, err)

	title := "x"
	_, err = svc.Update(ctx, "admin", r.ID, Patch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = svc.Cancel(ctx, "admin", r.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBulkCancelReportsPerItem(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	a, _ := svc.Create(ctx, "admin", valid())
	b, _ := svc.Create(ctx, "admin", valid())
	c, _ := svc.Create(ctx, "admin", valid())
	_, err := svc.Cancel(ctx, "admin", c.ID)
	require.NoError(t, err)

	res, err := svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkCancel, IDs: []string{a.ID, b.ID, c.ID, "missing"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Succeeded)
	require.Len(t, res.Failed, 2)

	got, _ := st.Get(ctx, a.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

type flakyBatchStore struct {
	*memstore.Store
}

func (flakyBatchStore) ApplyBatch(context.Context, []store.BatchOp) error {
	return errors.New("transaction aborted")
}

func TestBulkFallsBackToPerItemWrites(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	svc.Store = flakyBatchStore{st}

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := svc.Create(ctx, "admin", valid())
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	res, err := svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkEscalate, IDs: ids})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 3)
	for _, id := range ids {
		got, _ := st.Get(ctx, id)
		assert.Equal(t, domain.PriorityUrgent, got.Priority)
		escs, _ := st.Escalations(ctx, id)
		require.Len(t, escs, 1)
		assert.Equal(t, "admin", escs[0].EscalatedBy)
	}

	res, err = svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkDelete, IDs: append(ids[:1:1], "missing")})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].ID)
}

func TestBulkRescheduleAndValidation(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	r, _ := svc.Create(ctx, "admin", valid())

	_, err := svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkReschedule, IDs: []string{r.ID}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = svc.BulkAction(ctx, "admin", BulkRequest{Action: "archive", IDs: []string{r.ID}})
	require.ErrorAs(t, err, &ve)

	_, err = svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkCancel})
	require.ErrorAs(t, err, &ve)

	at := t0.Add(72 * time.Hour)
	res, err := svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkReschedule, IDs: []string{r.ID}, ScheduledFor: &at})
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, res.Succeeded)
	got, _ := st.Get(ctx, r.ID)
	assert.True(t, at.Equal(got.ScheduledFor))
}

func TestBulkSend(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	ok, _ := svc.Create(ctx, "admin", valid())
	in := valid()
	in.RecipientIDs = []string{"bounce"}
	bad, _ := svc.Create(ctx, "admin", in)

	res, err := svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkSend, IDs: []string{ok.ID, bad.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{ok.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, bad.ID, res.Failed[0].ID)

	got, _ := st.Get(ctx, ok.ID)
	assert.Equal(t, domain.StatusSent, got.Status)
}

func TestSendReportsDeliveryErrorWhenEveryPairFails(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	in := valid()
	in.RecipientIDs = []string{"bounce"}
	r, err := svc.Create(ctx, "admin", in)
	require.NoError(t, err)

	rep, err := svc.Send(ctx, r.ID)
	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "bounce", de.RecipientID)
	assert.Contains(t, de.Detail, "bounced")
	assert.False(t, de.Retryable)
	assert.Equal(t, domain.StatusFailed, rep.Status)
	assert.Equal(t, 1, rep.Failed)

	got, err := st.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, got.LastError, de.Detail)
}

func TestBulkChunksLargeRequests(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	ids := make([]string, 0, 1100)
	for i := 0; i < 1100; i++ {
		ids = append(ids, fmt.Sprintf("missing-%d", i))
	}
	res, err := svc.BulkAction(ctx, "admin", BulkRequest{Action: BulkCancel, IDs: ids})
	require.NoError(t, err)
	assert.Len(t, res.Failed, 1100)
}

func TestCreateFromTemplate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	tpl, err := svc.CreateTemplate(ctx, "admin", domain.Template{
		Name:            "Payment",
		Type:            domain.TypePaymentDue,
		Priority:        domain.PriorityHigh,
		Channels:        []domain.Channel{domain.ChannelEmail, domain.ChannelSMS},
		TitleTemplate:   "Payment due: {{invoice}}",
		MessageTemplate: "Please pay {{amount}} {{currency}}",
		Variables: []domain.TemplateVariable{
			{Name: "invoice", Required: true},
			{Name: "amount", Required: true},
			{Name: "currency", DefaultValue: "USD"},
		},
		AllowAcknowledgment: true,
		RequireConfirmation: true,
		EscalationDelay:     24,
		Active:              true,
	})
	require.NoError(t, err)

	_, err = svc.CreateFromTemplate(ctx, "admin", FromTemplate{
		TemplateID: tpl.ID, RecipientIDs: []string{"u1"}, ScheduledFor: t0,
		Variables: map[string]string{"invoice": "INV-7"},
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"Variable amount is required"}, ve.Messages())

	r, err := svc.CreateFromTemplate(ctx, "admin", FromTemplate{
		TemplateID: tpl.ID, RecipientIDs: []string{"u1"}, ScheduledFor: t0,
		Variables: map[string]string{"invoice": "INV-7", "amount": "20"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Payment due: INV-7", r.Title)
	assert.Equal(t, "Please pay 20 USD", r.Message)
	assert.Equal(t, domain.TypePaymentDue, r.Type())
	assert.Equal(t, domain.PriorityHigh, r.Priority)
	require.NotNil(t, r.Escalation)
	assert.Equal(t, 24, r.Escalation.DelayHours)
	assert.Equal(t, tpl.ID, r.TemplateID)

	_, err = svc.CreateTemplate(ctx, "admin", domain.Template{Name: "broken"})
	require.ErrorAs(t, err, &ve)
}

func TestOverdueAndAcknowledgmentFlow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	in := valid()
	in.ScheduledFor = t0.Add(-2 * time.Hour)
	due := t0.Add(-time.Hour)
	in.DueDate = &due
	in.AllowAcknowledgment = true
	r, err := svc.Create(ctx, "admin", in)
	require.NoError(t, err)

	res, err := svc.Overdue(ctx, store.Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	_, err = svc.Send(ctx, r.ID)
	require.NoError(t, err)
	got, err := svc.Acknowledge(ctx, r.ID, "u1", "done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	res, err = svc.Overdue(ctx, store.Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	acks, err := svc.Acknowledgments(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, acks, 1)
	dels, err := svc.Deliveries(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, dels, 2)

	_, err = svc.Deliveries(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	st, err := svc.Stats(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 100.0, st.CompletionRate)
}
