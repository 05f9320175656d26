// Package escalation re-enters reminders that needed confirmation but were not
// acknowledged in time.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"reminders/internal/dispatch"
	"reminders/internal/domain"
	"reminders/internal/observability"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, r domain.Reminder) (dispatch.Report, error)
}

type Engine struct {
	store      store.Store
	dispatcher Dispatcher
	audience   []string
	log        *slog.Logger
	now        func() time.Time
}

// New builds an engine that adds audience to the recipients of every escalated reminder.
func New(s store.Store, d Dispatcher, audience []string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: s, dispatcher: d, audience: audience, log: log, now: util.NowUTC}
}

var errNotDue = errors.New("not due for escalation")

// Run escalates every due candidate and returns how many were escalated. Each re-dispatch
// is handed to handoff without waiting for the cycle; a reminder handoff refuses stays
// escalated and the next run resumes it. A nil handoff re-dispatches inline.
func (e *Engine) Run(ctx context.Context, handoff func(domain.Reminder) bool) (int, error) {
	yes := true
	f := store.Filter{
		Statuses:            []domain.Status{domain.StatusSent},
		AutoEscalate:        &yes,
		RequireConfirmation: &yes,
	}
	now := e.now()

	var due []domain.Reminder
	for page := 1; ; page++ {
		res, err := e.store.List(ctx, f, store.Sort{Field: store.SortScheduledFor}, store.Page{Page: page, Limit: store.MaxPageLimit})
		if err != nil {
			return 0, err
		}
		for _, r := range res.Items {
			if !delayElapsed(r, now) {
				continue
			}
			acks, err := e.store.Acknowledgments(ctx, r.ID)
			if err != nil {
				return 0, err
			}
			if Due(r, acks, now) {
				due = append(due, r)
			}
		}
		if !res.HasMore {
			break
		}
	}

	if err := e.resume(ctx, handoff); err != nil {
		return 0, err
	}

	n := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		updated, err := e.escalate(ctx, r)
		if err != nil {
			if !errors.Is(err, errNotDue) {
				e.log.Error("escalation failed", "reminder_id", r.ID, "err", err)
			}
			continue
		}
		n++
		e.redispatch(ctx, updated, handoff)
	}
	return n, nil
}

func (e *Engine) redispatch(ctx context.Context, r domain.Reminder, handoff func(domain.Reminder) bool) {
	if handoff != nil {
		if !handoff(r) {
			e.log.Debug("escalated reminder not queued, next run resumes it", "reminder_id", r.ID)
		}
		return
	}
	if _, err := e.dispatcher.Dispatch(ctx, r); err != nil {
		e.log.Error("re-dispatch escalated reminder failed", "reminder_id", r.ID, "err", err)
	}
}

// Due reports whether r has waited past its escalation delay with no acknowledgment since
// it was last sent.
func Due(r domain.Reminder, acks []domain.Acknowledgment, now time.Time) bool {
	if r.Status != domain.StatusSent || !r.RequireConfirmation || !delayElapsed(r, now) {
		return false
	}
	for _, a := range acks {
		if !a.AcknowledgedAt.Before(*r.SentAt) {
			return false
		}
	}
	return true
}

func delayElapsed(r domain.Reminder, now time.Time) bool {
	return r.Escalation != nil && r.SentAt != nil && !r.SentAt.Add(r.Escalation.Delay()).After(now)
}

// Escalate raises priority one level, adds the escalation audience, records the escalation
// and runs a fresh delivery cycle.
func (e *Engine) Escalate(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	updated, err := e.escalate(ctx, r)
	if err != nil {
		return domain.Reminder{}, err
	}
	rep, err := e.dispatcher.Dispatch(ctx, updated)
	if err != nil {
		// left escalated; resume picks it up on the next run
		return updated, fmt.Errorf("re-dispatch escalated reminder %s: %w", updated.ID, err)
	}
	if rep.Reminder.ID != "" {
		updated = rep.Reminder
	}
	return updated, nil
}

func (e *Engine) escalate(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	now := e.now()
	var added []string
	updated, err := store.Mutate(ctx, e.store, r.ID, func(x *domain.Reminder) error {
		if x.Status != domain.StatusSent || !delayElapsed(*x, now) {
			return errNotDue
		}
		to, err := domain.Transition(x.Status, domain.EventEscalated)
		if err != nil {
			return err
		}
		added = added[:0]
		for _, id := range e.audience {
			if id != "" && !x.HasRecipient(id) {
				x.RecipientIDs = append(x.RecipientIDs, id)
				added = append(added, id)
			}
		}
		x.Status = to
		x.Priority = x.Priority.Raise()
		x.EscalationCount++
		x.UpdatedAt = now
		x.UpdatedBy = domain.EscalatedBySystem
		return nil
	})
	if err != nil {
		return domain.Reminder{}, err
	}

	rec := domain.Escalation{
		ID:            util.NewEscalationID(),
		ReminderID:    updated.ID,
		EscalatedAt:   now,
		EscalatedBy:   domain.EscalatedBySystem,
		Reason:        fmt.Sprintf("not acknowledged within %dh", updated.Escalation.DelayHours),
		NewRecipients: slices.Clone(added),
		NewPriority:   updated.Priority,
	}
	if err := e.store.AppendEscalation(ctx, rec); err != nil {
		e.log.Error("record escalation failed", "reminder_id", updated.ID, "err", err)
	}
	observability.Escalations.WithLabelValues(domain.EscalatedBySystem).Inc()
	e.log.Info("reminder escalated", "reminder_id", updated.ID, "priority", updated.Priority, "round", updated.EscalationCount, "added_recipients", len(added))
	return updated, nil
}

// resume re-dispatches reminders left escalated by an interrupted or unqueued cycle.
func (e *Engine) resume(ctx context.Context, handoff func(domain.Reminder) bool) error {
	f := store.Filter{Statuses: []domain.Status{domain.StatusEscalated}}
	var stuck []domain.Reminder
	for page := 1; ; page++ {
		res, err := e.store.List(ctx, f, store.Sort{Field: store.SortScheduledFor}, store.Page{Page: page, Limit: store.MaxPageLimit})
		if err != nil {
			return err
		}
		stuck = append(stuck, res.Items...)
		if !res.HasMore {
			break
		}
	}
	// collected first: dispatching moves reminders out of the listed status
	for _, r := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.redispatch(ctx, r, handoff)
	}
	return nil
}
