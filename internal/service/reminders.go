// Package service is the caller-facing API of the engine. HTTP handlers and the worker both
// go through it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"reminders/internal/dispatch"
	"reminders/internal/domain"
	"reminders/internal/stats"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, r domain.Reminder) (dispatch.Report, error)
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, reminderID, recipientID, note string) (domain.Reminder, error)
}

type ReminderService struct {
	Store      store.Store
	Dispatcher Dispatcher
	Tracker    Acknowledger
	Log        *slog.Logger
	Now        func() time.Time
}

func (s *ReminderService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *ReminderService) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Create validates and stores a new pending reminder. Lifecycle fields supplied by the
// caller are ignored.
func (s *ReminderService) Create(ctx context.Context, actor string, in domain.Reminder) (domain.Reminder, error) {
	now := s.now()
	r := in.Clone()
	domain.ApplyDefaults(&r)
	if err := domain.Validate(r); err != nil {
		return domain.Reminder{}, err
	}

	r.ID = ""
	r.SeriesID = ""
	r.RecipientIDs = dedupe(r.RecipientIDs)
	r.Channels = dedupe(r.Channels)
	r.Status = domain.StatusPending
	r.SendAttempts = 0
	r.EscalationCount = 0
	r.SentAt, r.AcknowledgedAt, r.CompletedAt = nil, nil, nil
	r.LastError = ""
	r.CreatedBy = actor
	r.CreatedAt = now
	r.UpdatedBy = actor
	r.UpdatedAt = now
	r.ScheduledFor = r.ScheduledFor.UTC()

	created, err := s.Store.Create(ctx, r)
	if err != nil {
		return domain.Reminder{}, err
	}
	s.log().Info("reminder created", "reminder_id", created.ID, "type", created.Type(), "recipients", len(created.RecipientIDs), "scheduled_for", created.ScheduledFor)
	return created, nil
}

func (s *ReminderService) Get(ctx context.Context, id string) (domain.Reminder, error) {
	return s.Store.Get(ctx, id)
}

func (s *ReminderService) List(ctx context.Context, f store.Filter, so store.Sort, p store.Page) (store.ListResult, error) {
	if so.Field == "" {
		so = store.Sort{Field: store.SortCreatedAt, Desc: true}
	}
	return s.Store.List(ctx, f, so, p)
}

// Patch carries the fields an update may change. Nil means unchanged.
type Patch struct {
	Title               *string           `json:"title"`
	Description         *string           `json:"description"`
	Message             *string           `json:"message"`
	RecipientIDs        []string          `json:"recipientIds"`
	ScheduledFor        *time.Time        `json:"scheduledFor"`
	DueDate             *time.Time        `json:"dueDate"`
	ClearDueDate        bool              `json:"clearDueDate"`
	Channels            []domain.Channel  `json:"channels"`
	Priority            *domain.Priority  `json:"priority"`
	Frequency           *domain.Frequency `json:"frequency"`
	AllowAcknowledgment *bool             `json:"allowAcknowledgment"`
	RequireConfirmation *bool             `json:"requireConfirmation"`
	AutoEscalate        *bool             `json:"autoEscalate"`
	EscalationDelay     *int              `json:"escalationDelay"`
	ActionURL           *string           `json:"actionUrl"`
	ActionText          *string           `json:"actionText"`
	Variables           map[string]string `json:"variables"`
}

// Update applies p to an open reminder. Moving scheduledFor on a reminder that was already
// sent reschedules it back to pending.
func (s *ReminderService) Update(ctx context.Context, actor, id string, p Patch) (domain.Reminder, error) {
	now := s.now()
	updated, err := store.Mutate(ctx, s.Store, id, func(r *domain.Reminder) error {
		if r.Status.Terminal() {
			return fmt.Errorf("update %s reminder %s: %w", r.Status, r.ID, domain.ErrInvalidTransition)
		}
		if err := applyPatch(r, p); err != nil {
			return err
		}
		if p.ScheduledFor != nil && r.Status != domain.StatusPending {
			to, err := domain.Transition(r.Status, domain.EventRescheduled)
			if err != nil {
				return err
			}
			r.Status = to
		}
		if err := domain.Validate(*r); err != nil {
			return err
		}
		r.UpdatedBy = actor
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Reminder{}, err
	}
	return updated, nil
}

func applyPatch(r *domain.Reminder, p Patch) error {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Message != nil {
		r.Message = *p.Message
	}
	if p.RecipientIDs != nil {
		r.RecipientIDs = dedupe(p.RecipientIDs)
	}
	if p.ScheduledFor != nil {
		r.ScheduledFor = p.ScheduledFor.UTC()
	}
	if p.ClearDueDate {
		r.DueDate = nil
	} else if p.DueDate != nil {
		d := p.DueDate.UTC()
		r.DueDate = &d
	}
	if p.Channels != nil {
		r.Channels = dedupe(p.Channels)
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Frequency != nil {
		r.Frequency = *p.Frequency
	}
	if p.AllowAcknowledgment != nil {
		r.AllowAcknowledgment = *p.AllowAcknowledgment
	}
	if p.RequireConfirmation != nil {
		r.RequireConfirmation = *p.RequireConfirmation
	}
	if p.ActionURL != nil {
		r.ActionURL = *p.ActionURL
	}
	if p.ActionText != nil {
		r.ActionText = *p.ActionText
	}
	if p.Variables != nil {
		r.Variables = p.Variables
	}

	switch {
	case p.AutoEscalate != nil && !*p.AutoEscalate:
		if p.EscalationDelay != nil {
			return domain.NewValidationError("escalationDelay", "Escalation delay requires auto-escalation")
		}
		r.Escalation = nil
	case p.AutoEscalate != nil:
		delay := 0
		if r.Escalation != nil {
			delay = r.Escalation.DelayHours
		}
		if p.EscalationDelay != nil {
			delay = *p.EscalationDelay
		}
		r.Escalation = &domain.EscalationPolicy{DelayHours: delay}
	case p.EscalationDelay != nil:
		if r.Escalation == nil {
			return domain.NewValidationError("escalationDelay", "Escalation delay requires auto-escalation")
		}
		r.Escalation = &domain.EscalationPolicy{DelayHours: *p.EscalationDelay}
	}
	return nil
}

func (s *ReminderService) Delete(ctx context.Context, id string) error {
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.log().Info("reminder deleted", "reminder_id", id)
	return nil
}

func (s *ReminderService) Cancel(ctx context.Context, actor, id string) (domain.Reminder, error) {
	now := s.now()
	return store.Mutate(ctx, s.Store, id, func(r *domain.Reminder) error {
		to, err := domain.Transition(r.Status, domain.EventCancelled)
		if err != nil {
			return err
		}
		r.Status = to
		r.UpdatedBy = actor
		r.UpdatedAt = now
		return nil
	})
}

// Send runs a delivery cycle now instead of waiting for the scheduler. When the cycle
// leaves the reminder failed the report comes back with a *domain.DeliveryError.
func (s *ReminderService) Send(ctx context.Context, id string) (dispatch.Report, error) {
	r, err := s.Store.Get(ctx, id)
	if err != nil {
		return dispatch.Report{}, err
	}
	rep, err := s.Dispatcher.Dispatch(ctx, r)
	if err != nil || rep.Status != domain.StatusFailed {
		return rep, err
	}
	de := &domain.DeliveryError{Detail: rep.Reminder.LastError}
	for _, p := range rep.Pairs {
		if p.Outcome != domain.OutcomeSuccess {
			de.RecipientID, de.Channel = p.RecipientID, p.Channel
			break
		}
	}
	return rep, fmt.Errorf("send reminder %s: %w", id, de)
}

func (s *ReminderService) Acknowledge(ctx context.Context, id, recipientID, note string) (domain.Reminder, error) {
	if recipientID == "" {
		return domain.Reminder{}, domain.NewValidationError("recipientId", "Recipient is required")
	}
	return s.Tracker.Acknowledge(ctx, id, recipientID, note)
}

func (s *ReminderService) Acknowledgments(ctx context.Context, id string) ([]domain.Acknowledgment, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Acknowledgments(ctx, id)
}

func (s *ReminderService) Deliveries(ctx context.Context, id string) ([]domain.Delivery, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Deliveries(ctx, id)
}

func (s *ReminderService) Escalations(ctx context.Context, id string) ([]domain.Escalation, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Escalations(ctx, id)
}

// Overdue lists open reminders whose due date has passed, oldest first.
func (s *ReminderService) Overdue(ctx context.Context, p store.Page) (store.ListResult, error) {
	now := s.now()
	f := store.Filter{
		Statuses: []domain.Status{
			domain.StatusPending, domain.StatusSent, domain.StatusAcknowledged,
			domain.StatusEscalated, domain.StatusFailed,
		},
		DueBefore: &now,
	}
	return s.Store.List(ctx, f, store.Sort{Field: store.SortDueDate}, p)
}

func (s *ReminderService) Stats(ctx context.Context, f store.Filter) (stats.Stats, error) {
	return stats.Aggregate(ctx, s.Store, f, s.now())
}

func dedupe[T comparable](in []T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
