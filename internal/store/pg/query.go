package pg

import (
	"strconv"
	"strings"

	"reminders/internal/domain"
	"reminders/internal/store"
)

// where accumulates AND-ed conditions. A "?" in a clause stands for the argument being
// added and may appear more than once.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func buildWhere(f store.Filter) *where {
	w := &where{}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		w.add("status = ANY(?)", ss)
	}
	if f.Priority != "" {
		w.add("priority = ?", string(f.Priority))
	}
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	if f.Channel != "" {
		w.add("? = ANY(channels)", string(f.Channel))
	}
	if f.RecipientID != "" {
		w.add("? = ANY(recipient_ids)", f.RecipientID)
	}
	if f.CreatedBy != "" {
		w.add("created_by = ?", f.CreatedBy)
	}
	if f.SeriesID != "" {
		w.add("series_id = ?", f.SeriesID)
	}
	if f.Search != "" {
		w.add(`(title ILIKE ? OR description ILIKE ? OR message ILIKE ?)`, "%"+escapeLike(f.Search)+"%")
	}
	if f.ScheduledFrom != nil {
		w.add("scheduled_for >= ?", *f.ScheduledFrom)
	}
	if f.ScheduledBefore != nil {
		w.add("scheduled_for <= ?", *f.ScheduledBefore)
	}
	if f.DueBefore != nil {
		w.add("due_date < ?", *f.DueBefore)
	}
	if f.CreatedFrom != nil {
		w.add("created_at >= ?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		w.add("created_at <= ?", *f.CreatedTo)
	}
	if f.CompletedAfter != nil {
		w.add("completed_at > ?", *f.CompletedAfter)
	}
	if f.AutoEscalate != nil {
		if *f.AutoEscalate {
			w.raw("escalation_delay_hours IS NOT NULL")
		} else {
			w.raw("escalation_delay_hours IS NULL")
		}
	}
	if f.RequireConfirmation != nil {
		w.add("require_confirmation = ?", *f.RequireConfirmation)
	}
	if f.Recurring != nil {
		w.add("(frequency <> ?) = "+strconv.FormatBool(*f.Recurring), string(domain.FrequencyOnce))
	}
	return w
}

var sortColumns = map[store.SortField]string{
	store.SortCreatedAt:    "created_at",
	store.SortScheduledFor: "scheduled_for",
	store.SortDueDate:      "due_date",
	store.SortPriority:     "priority_rank",
	store.SortStatus:       `status COLLATE "C"`,
	store.SortTitle:        `title COLLATE "C"`,
}

// orderBy ties on id. Postgres puts NULL due dates last ascending and first descending.
func orderBy(so store.Sort) string {
	col, ok := sortColumns[so.Field]
	if !ok {
		col = "created_at"
	}
	dir := " ASC"
	if so.Desc {
		dir = " DESC"
	}
	return " ORDER BY " + col + dir + ", id" + dir
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
