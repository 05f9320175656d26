package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"reminders/internal/domain"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Store struct {
	DB *pgxpool.Pool

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db, now: util.NowUTC} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Column order matters: reminderArgs and scanReminder follow it, id comes first and
// version last.
var reminderColumns = []string{
	"id", "series_id", "type", "details", "title", "description", "message",
	"recipient_ids", "scheduled_for", "due_date", "frequency", "channels",
	"priority", "priority_rank", "allow_acknowledgment", "require_confirmation",
	"escalation_delay_hours", "action_url", "action_text", "template_id", "variables",
	"status", "send_attempts", "escalation_count", "sent_at", "acknowledged_at",
	"completed_at", "last_error", "created_by", "created_at", "updated_by", "updated_at",
	"version",
}

var (
	selectReminder = "SELECT " + strings.Join(reminderColumns, ", ") + " FROM reminders"
	insertReminder = buildInsert()
	updateReminder = buildUpdate()
)

func buildInsert() string {
	ph := make([]string, len(reminderColumns))
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(i+1)
	}
	return "INSERT INTO reminders (" + strings.Join(reminderColumns, ", ") + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

// buildUpdate sets every column but id and version from the same arguments as the insert
// and only matches the expected version.
func buildUpdate() string {
	last := len(reminderColumns)
	sets := make([]string, 0, last)
	for i, c := range reminderColumns[1 : last-1] {
		sets = append(sets, c+"=$"+strconv.Itoa(i+2))
	}
	sets = append(sets, "version=version+1")
	return "UPDATE reminders SET " + strings.Join(sets, ", ") + " WHERE id=$1 AND version=$" + strconv.Itoa(last)
}

func reminderArgs(r domain.Reminder) ([]any, error) {
	details, err := domain.EncodeDetails(r.Details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	vars := r.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	var delay *int
	if r.Escalation != nil {
		d := r.Escalation.DelayHours
		delay = &d
	}
	return []any{
		r.ID, r.SeriesID, string(r.Type()), details, r.Title, r.Description, r.Message,
		r.RecipientIDs, r.ScheduledFor, r.DueDate, string(r.Frequency), channelStrings(r.Channels),
		string(r.Priority), r.Priority.Rank(), r.AllowAcknowledgment, r.RequireConfirmation,
		delay, r.ActionURL, r.ActionText, r.TemplateID, varsJSON,
		string(r.Status), r.SendAttempts, r.EscalationCount, r.SentAt, r.AcknowledgedAt,
		r.CompletedAt, r.LastError, r.CreatedBy, r.CreatedAt, r.UpdatedBy, r.UpdatedAt,
		r.Version,
	}, nil
}

func scanReminder(row pgx.Row) (domain.Reminder, error) {
	var (
		r          domain.Reminder
		typ        string
		details    []byte
		channels   []string
		priority   string
		frequency  string
		status     string
		rank       int16
		delay      *int32
		varsJSON   []byte
		recipients []string
	)
	err := row.Scan(
		&r.ID, &r.SeriesID, &typ, &details, &r.Title, &r.Description, &r.Message,
		&recipients, &r.ScheduledFor, &r.DueDate, &frequency, &channels,
		&priority, &rank, &r.AllowAcknowledgment, &r.RequireConfirmation,
		&delay, &r.ActionURL, &r.ActionText, &r.TemplateID, &varsJSON,
		&status, &r.SendAttempts, &r.EscalationCount, &r.SentAt, &r.AcknowledgedAt,
		&r.CompletedAt, &r.LastError, &r.CreatedBy, &r.CreatedAt, &r.UpdatedBy, &r.UpdatedAt,
		&r.Version,
	)
	if err != nil {
		return domain.Reminder{}, err
	}
	r.Details, err = domain.DecodeDetails(domain.Type(typ), details)
	if err != nil {
		return domain.Reminder{}, err
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &r.Variables); err != nil {
			return domain.Reminder{}, fmt.Errorf("decode variables: %w", err)
		}
		if len(r.Variables) == 0 {
			r.Variables = nil
		}
	}
	if delay != nil {
		r.Escalation = &domain.EscalationPolicy{DelayHours: int(*delay)}
	}
	r.RecipientIDs = recipients
	r.Channels = toChannels(channels)
	r.Priority = domain.Priority(priority)
	r.Frequency = domain.Frequency(frequency)
	r.Status = domain.Status(status)
	r.ScheduledFor = r.ScheduledFor.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
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
	args, err := reminderArgs(r)
	if err != nil {
		return domain.Reminder{}, err
	}
	if _, err := s.DB.Exec(ctx, insertReminder, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, domain.ErrDuplicate)
		}
		return domain.Reminder{}, fmt.Errorf("insert reminder %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reminder, error) {
	return s.get(ctx, s.DB, id)
}

func (s *Store) get(ctx context.Context, q querier, id string) (domain.Reminder, error) {
	r, err := scanReminder(q.QueryRow(ctx, selectReminder+" WHERE id=$1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reminder{}, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, f store.Filter, so store.Sort, p store.Page) (store.ListResult, error) {
	p = p.Normalize()
	w := buildWhere(f)

	var total int
	if err := s.DB.QueryRow(ctx, "SELECT count(*) FROM reminders"+w.sql(), w.args...).Scan(&total); err != nil {
		return store.ListResult{}, fmt.Errorf("count reminders: %w", err)
	}

	args := append(append([]any{}, w.args...), p.Limit, p.Offset())
	sql := selectReminder + w.sql() + orderBy(so) +
		" LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return store.ListResult{}, fmt.Errorf("list reminders: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Reminder, error) {
		return scanReminder(row)
	})
	if err != nil {
		return store.ListResult{}, fmt.Errorf("list reminders: %w", err)
	}
	return store.NewListResult(items, p, total), nil
}

func (s *Store) Update(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	return s.update(ctx, s.DB, r)
}

func (s *Store) update(ctx context.Context, q querier, r domain.Reminder) (domain.Reminder, error) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	args, err := reminderArgs(r)
	if err != nil {
		return domain.Reminder{}, err
	}
	tag, err := q.Exec(ctx, updateReminder, args...)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("update reminder %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Reminder{}, s.missOrStale(ctx, q, r.ID)
	}
	r.Version++
	return r, nil
}

// missOrStale explains a write that matched no row.
func (s *Store) missOrStale(ctx context.Context, q querier, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reminders WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("reminder %s: %w", id, domain.ErrConcurrency)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, s.DB, id)
}

func (s *Store) delete(ctx context.Context, q querier, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM reminders WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete reminder %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ApplyBatch runs every op in one transaction; the first failing op rolls back all of them.
func (s *Store) ApplyBatch(ctx context.Context, ops []store.BatchOp) error {
	if len(ops) > store.MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ops), store.MaxBatchSize)
	}
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case store.OpUpdate:
				_, err = s.update(ctx, tx, op.Reminder)
			case store.OpDelete:
				err = s.delete(ctx, tx, op.ID)
			default:
				err = fmt.Errorf("unknown batch op %q", op.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func channelStrings(cs []domain.Channel) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func toChannels(ss []string) []domain.Channel {
	out := make([]domain.Channel, len(ss))
	for i, s := range ss {
		out[i] = domain.Channel(s)
	}
	return out
}
