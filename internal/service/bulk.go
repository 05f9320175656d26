package service

import (
	"context"
	"fmt"
	"time"

	"reminders/internal/domain"
	"reminders/internal/observability"
	"reminders/internal/store"
	"reminders/internal/util"
)

type BulkAction string

const (
	BulkSend       BulkAction = "send"
	BulkCancel     BulkAction = "cancel"
	BulkDelete     BulkAction = "delete"
	BulkReschedule BulkAction = "reschedule"
	BulkEscalate   BulkAction = "escalate"
)

type BulkRequest struct {
	Action       BulkAction `json:"action"`
	IDs          []string   `json:"ids"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

func (r *BulkResult) ok(action BulkAction, id string) {
	r.Succeeded = append(r.Succeeded, id)
	observability.BulkActions.WithLabelValues(string(action), "ok").Inc()
}

func (r *BulkResult) fail(action BulkAction, id string, err error) {
	r.Failed = append(r.Failed, BulkFailure{ID: id, Error: err.Error()})
	observability.BulkActions.WithLabelValues(string(action), "failed").Inc()
}

// BulkAction applies one action to many reminders. Per-item failures are reported in the
// result; the error is only for a malformed request.
func (s *ReminderService) BulkAction(ctx context.Context, actor string, req BulkRequest) (BulkResult, error) {
	ids := dedupe(req.IDs)
	if len(ids) == 0 {
		return BulkResult{}, domain.NewValidationError("ids", "At least one reminder id is required")
	}

	var mutate func(r *domain.Reminder) error
	now := s.now()
	switch req.Action {
	case BulkSend:
		return s.bulkSend(ctx, ids), nil
	case BulkDelete:
	case BulkCancel:
		mutate = func(r *domain.Reminder) error {
			to, err := domain.Transition(r.Status, domain.EventCancelled)
			if err != nil {
				return err
			}
			r.Status = to
			return nil
		}
	case BulkReschedule:
		if req.ScheduledFor == nil || req.ScheduledFor.IsZero() {
			return BulkResult{}, domain.NewValidationError("scheduledFor", "Scheduled date is required")
		}
		at := req.ScheduledFor.UTC()
		mutate = func(r *domain.Reminder) error {
			to, err := domain.Transition(r.Status, domain.EventRescheduled)
			if err != nil {
				return err
			}
			if r.DueDate != nil && r.DueDate.Before(at) {
				return domain.NewValidationError("scheduledFor", "Due date must not be before the scheduled date")
			}
			r.Status = to
			r.ScheduledFor = at
			return nil
		}
	case BulkEscalate:
		mutate = func(r *domain.Reminder) error {
			if r.Status.Terminal() {
				return fmt.Errorf("escalate %s reminder %s: %w", r.Status, r.ID, domain.ErrInvalidTransition)
			}
			r.Priority = domain.PriorityUrgent
			r.EscalationCount++
			return nil
		}
	default:
		return BulkResult{}, domain.NewValidationError("action", "Unknown bulk action: "+string(req.Action))
	}

	stamped := func(r *domain.Reminder) error {
		if err := mutate(r); err != nil {
			return err
		}
		r.UpdatedBy = actor
		r.UpdatedAt = now
		return nil
	}

	res := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for start := 0; start < len(ids); start += store.MaxBatchSize {
		chunk := ids[start:min(start+store.MaxBatchSize, len(ids))]
		if req.Action == BulkDelete {
			s.applyDeletes(ctx, chunk, &res)
			continue
		}
		done := s.applyUpdates(ctx, req.Action, chunk, stamped, &res)
		if req.Action == BulkEscalate {
			s.recordManualEscalations(ctx, actor, done, now)
		}
	}
	s.log().Info("bulk action applied", "action", req.Action, "actor", actor, "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res, nil
}

// applyUpdates writes one chunk atomically and falls back to per-item writes when the batch
// is rejected, so one stale or invalid item cannot block the rest.
func (s *ReminderService) applyUpdates(ctx context.Context, action BulkAction, ids []string, fn func(*domain.Reminder) error, res *BulkResult) []domain.Reminder {
	ops := make([]store.BatchOp, 0, len(ids))
	staged := make([]domain.Reminder, 0, len(ids))
	for _, id := range ids {
		r, err := s.Store.Get(ctx, id)
		if err != nil {
			res.fail(action, id, err)
			continue
		}
		if err := fn(&r); err != nil {
			res.fail(action, id, err)
			continue
		}
		ops = append(ops, store.BatchOp{Kind: store.OpUpdate, ID: id, Reminder: r})
		staged = append(staged, r)
	}
	if len(ops) == 0 {
		return nil
	}

	err := s.Store.ApplyBatch(ctx, ops)
	if err == nil {
		for _, r := range staged {
			res.ok(action, r.ID)
		}
		return staged
	}
	s.log().Warn("bulk batch rejected, applying items one by one", "action", action, "items", len(ops), "err", err)

	var done []domain.Reminder
	for _, op := range ops {
		r, err := store.Mutate(ctx, s.Store, op.ID, fn)
		if err != nil {
			res.fail(action, op.ID, err)
			continue
		}
		res.ok(action, op.ID)
		done = append(done, r)
	}
	return done
}

func (s *ReminderService) applyDeletes(ctx context.Context, ids []string, res *BulkResult) {
	ops := make([]store.BatchOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, store.BatchOp{Kind: store.OpDelete, ID: id})
	}
	if err := s.Store.ApplyBatch(ctx, ops); err == nil {
		for _, id := range ids {
			res.ok(BulkDelete, id)
		}
		return
	}
	for _, id := range ids {
		if err := s.Store.Delete(ctx, id); err != nil {
			res.fail(BulkDelete, id, err)
			continue
		}
		res.ok(BulkDelete, id)
	}
}

func (s *ReminderService) bulkSend(ctx context.Context, ids []string) BulkResult {
	res := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, id := range ids {
		if _, err := s.Send(ctx, id); err != nil {
			res.fail(BulkSend, id, err)
			continue
		}
		res.ok(BulkSend, id)
	}
	return res
}

func (s *ReminderService) recordManualEscalations(ctx context.Context, actor string, rs []domain.Reminder, now time.Time) {
	for _, r := range rs {
		err := s.Store.AppendEscalation(ctx, domain.Escalation{
			ID:          util.NewEscalationID(),
			ReminderID:  r.ID,
			EscalatedAt: now,
			EscalatedBy: actor,
			Reason:      "manual escalation",
			NewPriority: r.Priority,
		})
		if err != nil {
			s.log().Error("record escalation failed", "reminder_id", r.ID, "err", err)
			continue
		}
		observability.Escalations.WithLabelValues("manual").Inc()
	}
}
