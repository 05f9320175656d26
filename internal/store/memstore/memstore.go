// Package memstore is an in-process implementation of store.Store used by tests and by
// single-node development setups.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"reminders/internal/domain"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Store struct {
	mu          sync.RWMutex
	reminders   map[string]domain.Reminder
	deliveries  []domain.Delivery
	acks        map[string]map[string]domain.Acknowledgment
	escalations []domain.Escalation
	templates   map[string]domain.Template

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		reminders: map[string]domain.Reminder{},
		acks:      map[string]map[string]domain.Acknowledgment{},
		templates: map[string]domain.Template{},
		now:       util.NowUTC,
	}
}

func (s *Store) Create(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = util.NewReminderID()
	}
	if _, ok := s.reminders[r.ID]; ok {
		return domain.Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, domain.ErrDuplicate)
	}
	if r.SeriesID == "" {
		r.SeriesID = r.ID
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	r.Version = 1
	s.reminders[r.ID] = r.Clone()
	return r.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return domain.Reminder{}, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) List(ctx context.Context, f store.Filter, so store.Sort, p store.Page) (store.ListResult, error) {
	p = p.Normalize()
	s.mu.RLock()
	matched := make([]domain.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		if Matches(f, r) {
			matched = append(matched, r.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b domain.Reminder) int {
		c := compare(so.Field, a, b)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if so.Desc {
			return -c
		}
		return c
	})

	total := len(matched)
	start := min(p.Offset(), total)
	end := min(start+p.Limit, total)
	return store.NewListResult(matched[start:end], p, total), nil
}

func (s *Store) Update(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.updateLocked(r)
	if err != nil {
		return domain.Reminder{}, err
	}
	return out.Clone(), nil
}

func (s *Store) updateLocked(r domain.Reminder) (domain.Reminder, error) {
	if err := s.checkVersionLocked(r); err != nil {
		return domain.Reminder{}, err
	}
	r.Version++
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	s.reminders[r.ID] = r.Clone()
	return r, nil
}

func (s *Store) checkVersionLocked(r domain.Reminder) error {
	cur, ok := s.reminders[r.ID]
	if !ok {
		return fmt.Errorf("reminder %s: %w", r.ID, domain.ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("reminder %s: %w", r.ID, domain.ErrConcurrency)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[id]; !ok {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	delete(s.reminders, id)
	return nil
}

func (s *Store) ApplyBatch(ctx context.Context, ops []store.BatchOp) error {
	if len(ops) > store.MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ops), store.MaxBatchSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything first so the batch applies all or nothing
	for _, op := range ops {
		switch op.Kind {
		case store.OpUpdate:
			if err := s.checkVersionLocked(op.Reminder); err != nil {
				return err
			}
		case store.OpDelete:
			if _, ok := s.reminders[op.ID]; !ok {
				return fmt.Errorf("reminder %s: %w", op.ID, domain.ErrNotFound)
			}
		default:
			return fmt.Errorf("unknown batch op %q", op.Kind)
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case store.OpUpdate:
			r := op.Reminder
			r.Version++
			s.reminders[r.ID] = r.Clone()
		case store.OpDelete:
			delete(s.reminders, op.ID)
		}
	}
	return nil
}

func (s *Store) AppendDelivery(ctx context.Context, d domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = util.NewDeliveryID()
	}
	if d.Outcome == domain.OutcomeSuccess {
		for _, x := range s.deliveries {
			if x.IdempotencyKey == d.IdempotencyKey && x.Outcome == domain.OutcomeSuccess {
				return fmt.Errorf("delivery %s: %w", d.IdempotencyKey, domain.ErrDuplicate)
			}
		}
	}
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *Store) Deliveries(ctx context.Context, reminderID string) ([]domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Delivery
	for _, d := range s.deliveries {
		if d.ReminderID == reminderID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) DeliveryState(ctx context.Context, key string) (store.DeliveryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st store.DeliveryState
	for _, d := range s.deliveries {
		if d.IdempotencyKey != key {
			continue
		}
		st.Attempts++
		if d.Outcome == domain.OutcomeSuccess {
			st.Succeeded = true
		}
	}
	return st, nil
}

func (s *Store) InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRecipient, ok := s.acks[a.ReminderID]
	if !ok {
		byRecipient = map[string]domain.Acknowledgment{}
		s.acks[a.ReminderID] = byRecipient
	}
	if _, dup := byRecipient[a.RecipientID]; dup {
		return false, nil
	}
	byRecipient[a.RecipientID] = a
	return true, nil
}

func (s *Store) Acknowledgments(ctx context.Context, reminderID string) ([]domain.Acknowledgment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Acknowledgment, 0, len(s.acks[reminderID]))
	for _, a := range s.acks[reminderID] {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.Acknowledgment) int {
		return a.AcknowledgedAt.Compare(b.AcknowledgedAt)
	})
	return out, nil
}

func (s *Store) AppendEscalation(ctx context.Context, e domain.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.NewEscalationID()
	}
	s.escalations = append(s.escalations, e)
	return nil
}

func (s *Store) Escalations(ctx context.Context, reminderID string) ([]domain.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Escalation
	for _, e := range s.escalations {
		if e.ReminderID == reminderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = util.NewTemplateID()
	}
	if _, ok := s.templates[t.ID]; ok {
		return domain.Template{}, fmt.Errorf("template %s: %w", t.ID, domain.ErrDuplicate)
	}
	s.templates[t.ID] = t
	return t, nil
}

func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = util.NewTemplateID()
	}
	s.templates[t.ID] = t
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Template, 0, len(s.templates))
	for _, t := range s.templates {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Template) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Matches reports whether r satisfies every set field of f.
func Matches(f store.Filter, r domain.Reminder) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.Priority != "" && r.Priority != f.Priority {
		return false
	}
	if f.Type != "" && r.Type() != f.Type {
		return false
	}
	if f.Channel != "" && !r.HasChannel(f.Channel) {
		return false
	}
	if f.RecipientID != "" && !r.HasRecipient(f.RecipientID) {
		return false
	}
	if f.CreatedBy != "" && r.CreatedBy != f.CreatedBy {
		return false
	}
	if f.SeriesID != "" && r.SeriesID != f.SeriesID {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.Title), q) &&
			!strings.Contains(strings.ToLower(r.Description), q) &&
			!strings.Contains(strings.ToLower(r.Message), q) {
			return false
		}
	}
	if f.ScheduledFrom != nil && r.ScheduledFor.Before(*f.ScheduledFrom) {
		return false
	}
	if f.ScheduledBefore != nil && r.ScheduledFor.After(*f.ScheduledBefore) {
		return false
	}
	if f.DueBefore != nil && (r.DueDate == nil || !r.DueDate.Before(*f.DueBefore)) {
		return false
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && r.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.CompletedAfter != nil && (r.CompletedAt == nil || !r.CompletedAt.After(*f.CompletedAfter)) {
		return false
	}
	if f.AutoEscalate != nil && r.AutoEscalate() != *f.AutoEscalate {
		return false
	}
	if f.RequireConfirmation != nil && r.RequireConfirmation != *f.RequireConfirmation {
		return false
	}
	if f.Recurring != nil && r.Frequency.Recurring() != *f.Recurring {
		return false
	}
	return true
}

func compare(field store.SortField, a, b domain.Reminder) int {
	switch field {
	case store.SortScheduledFor:
		return a.ScheduledFor.Compare(b.ScheduledFor)
	case store.SortPriority:
		return cmp.Compare(a.Priority.Rank(), b.Priority.Rank())
	case store.SortDueDate:
		return compareOptionalTime(a.DueDate, b.DueDate)
	case store.SortStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	case store.SortTitle:
		return strings.Compare(a.Title, b.Title)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

// reminders without a due date sort last
func compareOptionalTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
