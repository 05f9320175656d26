// Package ack records recipient acknowledgments and completes reminders once enough
// recipients have confirmed.
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reminders/internal/domain"
	"reminders/internal/observability"
	sqsqueue "reminders/internal/queue/sqs"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Spawner interface {
	Spawn(ctx context.Context, completed domain.Reminder) (domain.Reminder, bool, error)
}

type Tracker struct {
	store   store.Store
	spawner Spawner
	log     *slog.Logger
	now     func() time.Time
}

func New(s store.Store, spawner Spawner, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: s, spawner: spawner, log: log, now: util.NowUTC}
}

// Acknowledge records that recipientID has seen the reminder. Repeating an acknowledgment
// is harmless. A reminder that needs confirmation completes when every recipient has
// acknowledged; otherwise the first acknowledgment completes it.
func (t *Tracker) Acknowledge(ctx context.Context, reminderID, recipientID, note string) (domain.Reminder, error) {
	r, err := t.store.Get(ctx, reminderID)
	if err != nil {
		return domain.Reminder{}, err
	}
	if !r.AllowAcknowledgment {
		observability.Acknowledgments.WithLabelValues("not_allowed").Inc()
		return domain.Reminder{}, fmt.Errorf("reminder %s does not accept acknowledgments: %w", r.ID, domain.ErrNotAllowed)
	}
	if !r.HasRecipient(recipientID) {
		observability.Acknowledgments.WithLabelValues("not_allowed").Inc()
		return domain.Reminder{}, fmt.Errorf("%s is not a recipient of reminder %s: %w", recipientID, r.ID, domain.ErrNotAllowed)
	}
	if r.Status == domain.StatusCompleted {
		observability.Acknowledgments.WithLabelValues("duplicate").Inc()
		return r, nil
	}
	if !domain.CanTransition(r.Status, domain.EventAcknowledged) {
		return domain.Reminder{}, fmt.Errorf("acknowledge %s reminder %s: %w", r.Status, r.ID, domain.ErrInvalidTransition)
	}

	now := t.now()
	inserted, err := t.store.InsertAcknowledgment(ctx, domain.Acknowledgment{
		ReminderID:     r.ID,
		RecipientID:    recipientID,
		AcknowledgedAt: now,
		ResponseNote:   note,
	})
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("insert acknowledgment: %w", err)
	}
	acks, err := t.store.Acknowledgments(ctx, r.ID)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("list acknowledgments: %w", err)
	}
	acked := make(map[string]bool, len(acks))
	for _, a := range acks {
		acked[a.RecipientID] = true
	}

	wasCompleted := false
	updated, err := store.Mutate(ctx, t.store, r.ID, func(x *domain.Reminder) error {
		if x.Status == domain.StatusCompleted {
			wasCompleted = true
			return nil
		}
		to, err := domain.Transition(x.Status, domain.EventAcknowledged)
		if err != nil {
			return err
		}
		x.Status = to
		if x.AcknowledgedAt == nil {
			x.AcknowledgedAt = &now
		}
		x.UpdatedAt = now
		if allAcknowledged(*x, acked) {
			x.Status, _ = domain.Transition(x.Status, domain.EventCompleted)
			x.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return domain.Reminder{}, err
	}

	switch {
	case !inserted:
		observability.Acknowledgments.WithLabelValues("duplicate").Inc()
	case updated.Status == domain.StatusCompleted:
		observability.Acknowledgments.WithLabelValues("completed").Inc()
	default:
		observability.Acknowledgments.WithLabelValues("recorded").Inc()
	}
	t.log.Info("reminder acknowledged", "reminder_id", r.ID, "recipient_id", recipientID, "status", updated.Status)

	if updated.Status == domain.StatusCompleted && !wasCompleted && t.spawner != nil {
		if _, _, err := t.spawner.Spawn(ctx, updated); err != nil {
			t.log.Error("spawn next occurrence failed", "reminder_id", updated.ID, "err", err)
		}
	}
	return updated, nil
}

func allAcknowledged(r domain.Reminder, acked map[string]bool) bool {
	if !r.RequireConfirmation {
		return len(acked) > 0
	}
	for _, id := range r.RecipientIDs {
		if !acked[id] {
			return false
		}
	}
	return true
}

// HandleEvent applies an acknowledgment that arrived on the queue. Events that can never
// succeed are logged and dropped so they do not loop through redrive.
func (t *Tracker) HandleEvent(ctx context.Context, ev sqsqueue.AckEvent) error {
	_, err := t.Acknowledge(ctx, ev.ReminderID, ev.RecipientID, ev.ResponseNote)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotAllowed), errors.Is(err, domain.ErrInvalidTransition):
		t.log.Warn("dropping ack event", "reminder_id", ev.ReminderID, "recipient_id", ev.RecipientID, "source", ev.Source, "err", err)
		return nil
	default:
		return err
	}
}
