package store

import (
	"context"
	"time"

	"reminders/internal/domain"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
	// MaxBatchSize is the largest number of operations ApplyBatch accepts in one atomic write.
	MaxBatchSize = 500
)

// Filter narrows List queries. Zero values do not filter.
type Filter struct {
	Statuses    []domain.Status
	Priority    domain.Priority
	Type        domain.Type
	Channel     domain.Channel
	RecipientID string
	CreatedBy   string
	SeriesID    string
	Search      string

	ScheduledFrom   *time.Time
	ScheduledBefore *time.Time // inclusive upper bound
	DueBefore       *time.Time // exclusive
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
	CompletedAfter  *time.Time

	AutoEscalate        *bool
	RequireConfirmation *bool
	Recurring           *bool
}

type SortField string

const (
	SortCreatedAt    SortField = "createdAt"
	SortScheduledFor SortField = "scheduledFor"
	SortDueDate      SortField = "dueDate"
	SortPriority     SortField = "priority"
	SortStatus       SortField = "status"
	SortTitle        SortField = "title"
)

func (f SortField) Valid() bool {
	switch f {
	case SortCreatedAt, SortScheduledFor, SortDueDate, SortPriority, SortStatus, SortTitle:
		return true
	}
	return false
}

type Sort struct {
	Field SortField
	Desc  bool
}

// Page is 1-based offset pagination.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps the page to sane bounds and applies the default page size.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

type ListResult struct {
	Items   []domain.Reminder `json:"items"`
	Page    int               `json:"page"`
	Limit   int               `json:"limit"`
	Total   int               `json:"total"`
	HasMore bool              `json:"hasMore"`
}

func NewListResult(items []domain.Reminder, p Page, total int) ListResult {
	if items == nil {
		items = []domain.Reminder{}
	}
	return ListResult{
		Items:   items,
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		HasMore: p.Page*p.Limit < total,
	}
}

type OpKind string

const (
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// BatchOp is one write inside an atomic ApplyBatch. Updates are checked against
// Reminder.Version like Update.
type BatchOp struct {
	Kind     OpKind
	ID       string
	Reminder domain.Reminder
}

// DeliveryState summarises the persisted attempts for one idempotency key.
type DeliveryState struct {
	Attempts  int
	Succeeded bool
}

// Store is the persistence contract the engine depends on.
type Store interface {
	Create(ctx context.Context, r domain.Reminder) (domain.Reminder, error)
	Get(ctx context.Context, id string) (domain.Reminder, error)
	List(ctx context.Context, f Filter, s Sort, p Page) (ListResult, error)
	// Update replaces the reminder when r.Version matches the stored version and returns it
	// with the version bumped. A mismatch yields domain.ErrConcurrency.
	Update(ctx context.Context, r domain.Reminder) (domain.Reminder, error)
	Delete(ctx context.Context, id string) error
	ApplyBatch(ctx context.Context, ops []BatchOp) error

	AppendDelivery(ctx context.Context, d domain.Delivery) error
	Deliveries(ctx context.Context, reminderID string) ([]domain.Delivery, error)
	DeliveryState(ctx context.Context, idempotencyKey string) (DeliveryState, error)

	// InsertAcknowledgment reports false when the (reminder, recipient) pair already exists.
	InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) (bool, error)
	Acknowledgments(ctx context.Context, reminderID string) ([]domain.Acknowledgment, error)

	AppendEscalation(ctx context.Context, e domain.Escalation) error
	Escalations(ctx context.Context, reminderID string) ([]domain.Escalation, error)

	CreateTemplate(ctx context.Context, t domain.Template) (domain.Template, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error)
	UpsertTemplate(ctx context.Context, t domain.Template) (domain.Template, error)
}
