// Package mongostore implements store.Store on MongoDB. Batches need a replica set because
// they run inside a multi-document transaction.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reminders/internal/domain"
	"reminders/internal/store"
	"reminders/internal/util"
)

const (
	collReminders       = "reminders"
	collDeliveries      = "deliveries"
	collAcknowledgments = "acknowledgments"
	collEscalations     = "escalations"
	collTemplates       = "templates"
)

type Store struct {
	Client *mongo.Client
	DB     *mongo.Database

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Connect dials uri and pings it within timeout.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, pcancel := context.WithTimeout(ctx, timeout)
	defer pcancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func New(client *mongo.Client, dbName string) *Store {
	return &Store{Client: client, DB: client.Database(dbName), now: util.NowUTC}
}

func (s *Store) Ping(ctx context.Context) error { return s.Client.Ping(ctx, nil) }

func (s *Store) reminders() *mongo.Collection { return s.DB.Collection(collReminders) }

// EnsureIndexes creates the indexes queries rely on, including the unique keys that make
// acknowledgments idempotent and allow one success per delivery key.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collReminders: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}}},
			{Keys: bson.D{{Key: "seriesId", Value: 1}}},
			{Keys: bson.D{{Key: "recipientIds", Value: 1}}},
			{Keys: bson.D{{Key: "dueDate", Value: 1}}},
			{Keys: bson.D{{Key: "completedAt", Value: 1}}},
		},
		collDeliveries: {
			{Keys: bson.D{{Key: "reminderId", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "idempotencyKey", Value: 1}}},
			{
				Keys: bson.D{{Key: "idempotencyKey", Value: 1}},
				Options: options.Index().
					SetName("idempotencyKey_success_unique").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"outcome": string(domain.OutcomeSuccess)}),
			},
		},
		collAcknowledgments: {
			{
				Keys:    bson.D{{Key: "reminderId", Value: 1}, {Key: "recipientId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collEscalations: {
			{Keys: bson.D{{Key: "reminderId", Value: 1}, {Key: "escalatedAt", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.DB.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	if r.ID == "" {
		r.ID = util.NewReminderID()
	}
	if r.SeriesID == "" {
		r.SeriesID = r.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	r.Version = 1
	doc, err := toDoc(r)
	if err != nil {
		return domain.Reminder{}, err
	}
	if _, err := s.reminders().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, domain.ErrDuplicate)
		}
		return domain.Reminder{}, fmt.Errorf("insert reminder %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reminder, error) {
	var doc reminderDoc
	err := s.reminders().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Reminder{}, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return doc.toDomain()
}

func (s *Store) List(ctx context.Context, f store.Filter, so store.Sort, p store.Page) (store.ListResult, error) {
	p = p.Normalize()
	filter := buildFilter(f)

	total, err := s.reminders().CountDocuments(ctx, filter)
	if err != nil {
		return store.ListResult{}, fmt.Errorf("count reminders: %w", err)
	}

	opts := options.Find().
		SetSort(sortDoc(so)).
		SetSkip(int64(p.Offset())).
		SetLimit(int64(p.Limit))
	cur, err := s.reminders().Find(ctx, filter, opts)
	if err != nil {
		return store.ListResult{}, fmt.Errorf("list reminders: %w", err)
	}
	var docs []reminderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return store.ListResult{}, fmt.Errorf("list reminders: %w", err)
	}
	items := make([]domain.Reminder, 0, len(docs))
	for _, d := range docs {
		r, err := d.toDomain()
		if err != nil {
			return store.ListResult{}, err
		}
		items = append(items, r)
	}
	return store.NewListResult(items, p, int(total)), nil
}

func (s *Store) Update(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	return s.update(ctx, r)
}

// update replaces the document only while the stored version still equals r.Version. ctx
// may be a session context so the write joins a transaction.
func (s *Store) update(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	expected := r.Version
	r.Version++
	doc, err := toDoc(r)
	if err != nil {
		return domain.Reminder{}, err
	}
	res, err := s.reminders().ReplaceOne(ctx, bson.M{"_id": r.ID, "version": expected}, doc)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("update reminder %s: %w", r.ID, err)
	}
	if res.MatchedCount == 0 {
		return domain.Reminder{}, s.missOrStale(ctx, r.ID)
	}
	return r, nil
}

func (s *Store) missOrStale(ctx context.Context, id string) error {
	n, err := s.reminders().CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("reminder %s: %w", id, domain.ErrConcurrency)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.reminders().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete reminder %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ApplyBatch runs all ops in one transaction; any failing op aborts the whole batch.
func (s *Store) ApplyBatch(ctx context.Context, ops []store.BatchOp) error {
	if len(ops) > store.MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ops), store.MaxBatchSize)
	}
	sess, err := s.Client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case store.OpUpdate:
				_, err = s.update(sc, op.Reminder)
			case store.OpDelete:
				err = s.Delete(sc, op.ID)
			default:
				err = fmt.Errorf("unknown batch op %q", op.Kind)
			}
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func buildFilter(f store.Filter) bson.M {
	m := bson.M{}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		m["status"] = bson.M{"$in": ss}
	}
	if f.Priority != "" {
		m["priority"] = string(f.Priority)
	}
	if f.Type != "" {
		m["type"] = string(f.Type)
	}
	if f.Channel != "" {
		m["channels"] = string(f.Channel)
	}
	if f.RecipientID != "" {
		m["recipientIds"] = f.RecipientID
	}
	if f.CreatedBy != "" {
		m["createdBy"] = f.CreatedBy
	}
	if f.SeriesID != "" {
		m["seriesId"] = f.SeriesID
	}
	if f.Search != "" {
		re := bson.M{"$regex": regexp.QuoteMeta(f.Search), "$options": "i"}
		m["$or"] = bson.A{bson.M{"title": re}, bson.M{"description": re}, bson.M{"message": re}}
	}
	if r := timeRange("$gte", f.ScheduledFrom, "$lte", f.ScheduledBefore); r != nil {
		m["scheduledFor"] = r
	}
	if f.DueBefore != nil {
		m["dueDate"] = bson.M{"$lt": *f.DueBefore}
	}
	if r := timeRange("$gte", f.CreatedFrom, "$lte", f.CreatedTo); r != nil {
		m["createdAt"] = r
	}
	if f.CompletedAfter != nil {
		m["completedAt"] = bson.M{"$gt": *f.CompletedAfter}
	}
	if f.AutoEscalate != nil {
		m["escalationDelayHours"] = bson.M{"$exists": *f.AutoEscalate}
	}
	if f.RequireConfirmation != nil {
		m["requireConfirmation"] = *f.RequireConfirmation
	}
	if f.Recurring != nil {
		op := "$eq"
		if *f.Recurring {
			op = "$ne"
		}
		m["frequency"] = bson.M{op: string(domain.FrequencyOnce)}
	}
	return m
}

func timeRange(lowOp string, low *time.Time, highOp string, high *time.Time) bson.M {
	if low == nil && high == nil {
		return nil
	}
	r := bson.M{}
	if low != nil {
		r[lowOp] = *low
	}
	if high != nil {
		r[highOp] = *high
	}
	return r
}

var sortFields = map[store.SortField]string{
	store.SortCreatedAt:    "createdAt",
	store.SortScheduledFor: "scheduledFor",
	store.SortDueDate:      "dueSort",
	store.SortPriority:     "priorityRank",
	store.SortStatus:       "status",
	store.SortTitle:        "title",
}

func sortDoc(so store.Sort) bson.D {
	field, ok := sortFields[so.Field]
	if !ok {
		field = "createdAt"
	}
	dir := 1
	if so.Desc {
		dir = -1
	}
	return bson.D{{Key: field, Value: dir}, {Key: "_id", Value: dir}}
}
