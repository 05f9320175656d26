package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reminders/internal/domain"
	"reminders/internal/store"
	"reminders/internal/util"
)

func (s *Store) AppendDelivery(ctx context.Context, d domain.Delivery) error {
	if d.ID == "" {
		d.ID = util.NewDeliveryID()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO deliveries (id, reminder_id, recipient_id, channel, attempt_number, outcome, idempotency_key, error_detail, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.ID, d.ReminderID, d.RecipientID, string(d.Channel), d.AttemptNumber, string(d.Outcome), d.IdempotencyKey, d.ErrorDetail, d.Timestamp)
	if isUniqueViolation(err) {
		return fmt.Errorf("delivery %s: %w", d.IdempotencyKey, domain.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert delivery for %s: %w", d.ReminderID, err)
	}
	return nil
}

func (s *Store) Deliveries(ctx context.Context, reminderID string) ([]domain.Delivery, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, reminder_id, recipient_id, channel, attempt_number, outcome, idempotency_key, error_detail, ts
		FROM deliveries WHERE reminder_id=$1 ORDER BY ts, id
	`, reminderID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", reminderID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Delivery, error) {
		var d domain.Delivery
		var ch, outcome string
		err := row.Scan(&d.ID, &d.ReminderID, &d.RecipientID, &ch, &d.AttemptNumber, &outcome, &d.IdempotencyKey, &d.ErrorDetail, &d.Timestamp)
		d.Channel = domain.Channel(ch)
		d.Outcome = domain.DeliveryOutcome(outcome)
		d.Timestamp = d.Timestamp.UTC()
		return d, err
	})
}

func (s *Store) DeliveryState(ctx context.Context, key string) (store.DeliveryState, error) {
	var st store.DeliveryState
	err := s.DB.QueryRow(ctx, `
		SELECT count(*), COALESCE(bool_or(outcome = $2), false)
		FROM deliveries WHERE idempotency_key=$1
	`, key, string(domain.OutcomeSuccess)).Scan(&st.Attempts, &st.Succeeded)
	if err != nil {
		return store.DeliveryState{}, fmt.Errorf("delivery state %s: %w", key, err)
	}
	return st, nil
}

func (s *Store) InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO acknowledgments (reminder_id, recipient_id, acknowledged_at, response_note)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (reminder_id, recipient_id) DO NOTHING
	`, a.ReminderID, a.RecipientID, a.AcknowledgedAt, a.ResponseNote)
	if err != nil {
		return false, fmt.Errorf("insert acknowledgment for %s: %w", a.ReminderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Acknowledgments(ctx context.Context, reminderID string) ([]domain.Acknowledgment, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT reminder_id, recipient_id, acknowledged_at, response_note
		FROM acknowledgments WHERE reminder_id=$1 ORDER BY acknowledged_at
	`, reminderID)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments for %s: %w", reminderID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Acknowledgment, error) {
		var a domain.Acknowledgment
		err := row.Scan(&a.ReminderID, &a.RecipientID, &a.AcknowledgedAt, &a.ResponseNote)
		a.AcknowledgedAt = a.AcknowledgedAt.UTC()
		return a, err
	})
}

func (s *Store) AppendEscalation(ctx context.Context, e domain.Escalation) error {
	if e.ID == "" {
		e.ID = util.NewEscalationID()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO escalations (id, reminder_id, escalated_at, escalated_by, reason, new_recipients, new_priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.ReminderID, e.EscalatedAt, e.EscalatedBy, e.Reason, e.NewRecipients, string(e.NewPriority))
	if err != nil {
		return fmt.Errorf("insert escalation for %s: %w", e.ReminderID, err)
	}
	return nil
}

func (s *Store) Escalations(ctx context.Context, reminderID string) ([]domain.Escalation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, reminder_id, escalated_at, escalated_by, reason, new_recipients, new_priority
		FROM escalations WHERE reminder_id=$1 ORDER BY escalated_at, id
	`, reminderID)
	if err != nil {
		return nil, fmt.Errorf("list escalations for %s: %w", reminderID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Escalation, error) {
		var e domain.Escalation
		var priority string
		err := row.Scan(&e.ID, &e.ReminderID, &e.EscalatedAt, &e.EscalatedBy, &e.Reason, &e.NewRecipients, &priority)
		e.NewPriority = domain.Priority(priority)
		e.EscalatedAt = e.EscalatedAt.UTC()
		return e, err
	})
}
