package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reminders/internal/domain"
	"reminders/internal/store"
	"reminders/internal/util"
)

func (s *Store) AppendDelivery(ctx context.Context, d domain.Delivery) error {
	if d.ID == "" {
		d.ID = util.NewDeliveryID()
	}
	_, err := s.DB.Collection(collDeliveries).InsertOne(ctx, deliveryDoc{
		ID: d.ID, ReminderID: d.ReminderID, RecipientID: d.RecipientID, Channel: string(d.Channel),
		AttemptNumber: d.AttemptNumber, Outcome: string(d.Outcome), IdempotencyKey: d.IdempotencyKey,
		ErrorDetail: d.ErrorDetail, Timestamp: d.Timestamp,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("delivery %s: %w", d.IdempotencyKey, domain.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert delivery for %s: %w", d.ReminderID, err)
	}
	return nil
}

func (s *Store) Deliveries(ctx context.Context, reminderID string) ([]domain.Delivery, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.DB.Collection(collDeliveries).Find(ctx, bson.M{"reminderId": reminderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", reminderID, err)
	}
	var docs []deliveryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", reminderID, err)
	}
	out := make([]domain.Delivery, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.Delivery{
			ID: d.ID, ReminderID: d.ReminderID, RecipientID: d.RecipientID, Channel: domain.Channel(d.Channel),
			AttemptNumber: d.AttemptNumber, Outcome: domain.DeliveryOutcome(d.Outcome),
			IdempotencyKey: d.IdempotencyKey, ErrorDetail: d.ErrorDetail, Timestamp: d.Timestamp.UTC(),
		})
	}
	return out, nil
}

func (s *Store) DeliveryState(ctx context.Context, key string) (store.DeliveryState, error) {
	coll := s.DB.Collection(collDeliveries)
	n, err := coll.CountDocuments(ctx, bson.M{"idempotencyKey": key})
	if err != nil {
		return store.DeliveryState{}, fmt.Errorf("delivery state %s: %w", key, err)
	}
	st := store.DeliveryState{Attempts: int(n)}
	if n == 0 {
		return st, nil
	}
	ok, err := coll.CountDocuments(ctx, bson.M{"idempotencyKey": key, "outcome": string(domain.OutcomeSuccess)}, options.Count().SetLimit(1))
	if err != nil {
		return store.DeliveryState{}, fmt.Errorf("delivery state %s: %w", key, err)
	}
	st.Succeeded = ok > 0
	return st, nil
}

// InsertAcknowledgment relies on the unique (reminderId, recipientId) index from
// EnsureIndexes to reject duplicates.
func (s *Store) InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) (bool, error) {
	_, err := s.DB.Collection(collAcknowledgments).InsertOne(ctx, ackDoc(a))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert acknowledgment for %s: %w", a.ReminderID, err)
	}
	return true, nil
}

func (s *Store) Acknowledgments(ctx context.Context, reminderID string) ([]domain.Acknowledgment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "acknowledgedAt", Value: 1}})
	cur, err := s.DB.Collection(collAcknowledgments).Find(ctx, bson.M{"reminderId": reminderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments for %s: %w", reminderID, err)
	}
	var docs []ackDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list acknowledgments for %s: %w", reminderID, err)
	}
	out := make([]domain.Acknowledgment, 0, len(docs))
	for _, d := range docs {
		a := domain.Acknowledgment(d)
		a.AcknowledgedAt = a.AcknowledgedAt.UTC()
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) AppendEscalation(ctx context.Context, e domain.Escalation) error {
	if e.ID == "" {
		e.ID = util.NewEscalationID()
	}
	_, err := s.DB.Collection(collEscalations).InsertOne(ctx, escalationDoc{
		ID: e.ID, ReminderID: e.ReminderID, EscalatedAt: e.EscalatedAt, EscalatedBy: e.EscalatedBy,
		Reason: e.Reason, NewRecipients: e.NewRecipients, NewPriority: string(e.NewPriority),
	})
	if err != nil {
		return fmt.Errorf("insert escalation for %s: %w", e.ReminderID, err)
	}
	return nil
}

func (s *Store) Escalations(ctx context.Context, reminderID string) ([]domain.Escalation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "escalatedAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.DB.Collection(collEscalations).Find(ctx, bson.M{"reminderId": reminderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list escalations for %s: %w", reminderID, err)
	}
	var docs []escalationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list escalations for %s: %w", reminderID, err)
	}
	out := make([]domain.Escalation, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.Escalation{
			ID: d.ID, ReminderID: d.ReminderID, EscalatedAt: d.EscalatedAt.UTC(), EscalatedBy: d.EscalatedBy,
			Reason: d.Reason, NewRecipients: d.NewRecipients, NewPriority: domain.Priority(d.NewPriority),
		})
	}
	return out, nil
}
