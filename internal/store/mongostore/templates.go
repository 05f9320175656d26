package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reminders/internal/domain"
	"reminders/internal/util"
)

func (s *Store) templates() *mongo.Collection { return s.DB.Collection(collTemplates) }

func (s *Store) CreateTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if t.ID == "" {
		t.ID = util.NewTemplateID()
	}
	_, err := s.templates().InsertOne(ctx, toTemplateDoc(t))
	if mongo.IsDuplicateKeyError(err) {
		return domain.Template{}, fmt.Errorf("template %s: %w", t.ID, domain.ErrDuplicate)
	}
	if err != nil {
		return domain.Template{}, fmt.Errorf("insert template %s: %w", t.ID, err)
	}
	return t, nil
}

func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if t.ID == "" {
		t.ID = util.NewTemplateID()
	}
	_, err := s.templates().ReplaceOne(ctx, bson.M{"_id": t.ID}, toTemplateDoc(t), options.Replace().SetUpsert(true))
	if err != nil {
		return domain.Template{}, fmt.Errorf("upsert template %s: %w", t.ID, err)
	}
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var d templateDoc
	err := s.templates().FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Template{}, fmt.Errorf("get template %s: %w", id, err)
	}
	return d.toDomain(), nil
}

func (s *Store) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	filter := bson.M{}
	if activeOnly {
		filter["active"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.templates().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var docs []templateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]domain.Template, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}
