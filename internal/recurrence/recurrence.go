// Package recurrence computes the next occurrence of a recurring reminder and creates it.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/teambition/rrule-go"

	"reminders/internal/domain"
	"reminders/internal/observability"
	"reminders/internal/store"
	"reminders/internal/util"
)

// Next returns the occurrence that follows from for the given frequency. Monthly reminders
// scheduled on a day the following month lacks land on that month's last day.
func Next(f domain.Frequency, from time.Time) (time.Time, error) {
	opt := rrule.ROption{Dtstart: from.UTC(), Count: 2}
	switch f {
	case domain.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case domain.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
	case domain.FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
		if day := from.UTC().Day(); day > 28 {
			opt.Bymonthday = []int{day, -1}
			opt.Bysetpos = []int{1}
		}
	default:
		return time.Time{}, fmt.Errorf("frequency %q does not recur", f)
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return time.Time{}, fmt.Errorf("build rrule: %w", err)
	}
	occ := rule.All()
	if len(occ) < 2 {
		return time.Time{}, fmt.Errorf("no occurrence after %s", from.Format(time.RFC3339))
	}
	return occ[1], nil
}

// OccurrenceID names the reminder for one occurrence of a series. Two spawners racing on
// the same completion compute the same id, so only one insert wins.
func OccurrenceID(seriesID string, scheduledFor time.Time) string {
	return seriesID + "." + strconv.FormatInt(scheduledFor.UTC().Unix(), 10)
}

type Spawner struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewSpawner(s store.Store, log *slog.Logger) *Spawner {
	return &Spawner{store: s, log: log, now: util.NowUTC}
}

// Spawn creates the pending reminder for the occurrence after completed. It reports false
// when that occurrence already exists.
func (s *Spawner) Spawn(ctx context.Context, completed domain.Reminder) (domain.Reminder, bool, error) {
	if !completed.Frequency.Recurring() {
		return domain.Reminder{}, false, nil
	}
	if completed.Status != domain.StatusCompleted {
		return domain.Reminder{}, false, fmt.Errorf("reminder %s is %s: %w", completed.ID, completed.Status, domain.ErrInvalidTransition)
	}

	next, err := Next(completed.Frequency, completed.ScheduledFor)
	if err != nil {
		return domain.Reminder{}, false, err
	}
	r := nextOccurrence(completed, next, s.now())

	created, err := s.store.Create(ctx, r)
	if errors.Is(err, domain.ErrDuplicate) {
		return domain.Reminder{}, false, nil
	}
	if err != nil {
		return domain.Reminder{}, false, fmt.Errorf("create next occurrence of %s: %w", completed.ID, err)
	}
	observability.Spawned.Inc()
	s.log.Info("recurring reminder spawned", "series_id", created.SeriesID, "reminder_id", created.ID, "scheduled_for", created.ScheduledFor)
	return created, true, nil
}

// CatchUp spawns the next occurrence for recurring reminders completed after since. It
// covers completions whose inline spawn failed.
func (s *Spawner) CatchUp(ctx context.Context, since time.Time) (int, error) {
	recurring := true
	f := store.Filter{
		Statuses:       []domain.Status{domain.StatusCompleted},
		Recurring:      &recurring,
		CompletedAfter: &since,
	}
	spawned := 0
	for page := 1; ; page++ {
		res, err := s.store.List(ctx, f, store.Sort{Field: store.SortCreatedAt}, store.Page{Page: page, Limit: store.MaxPageLimit})
		if err != nil {
			return spawned, err
		}
		for _, r := range res.Items {
			_, ok, err := s.Spawn(ctx, r)
			if err != nil {
				s.log.Error("catch-up spawn failed", "reminder_id", r.ID, "err", err)
				continue
			}
			if ok {
				spawned++
			}
		}
		if !res.HasMore {
			return spawned, nil
		}
	}
}

func nextOccurrence(prev domain.Reminder, scheduledFor, now time.Time) domain.Reminder {
	r := prev.Clone()
	seriesID := prev.SeriesID
	if seriesID == "" {
		seriesID = prev.ID
	}
	r.ID = OccurrenceID(seriesID, scheduledFor)
	r.SeriesID = seriesID
	if prev.DueDate != nil {
		due := prev.DueDate.Add(scheduledFor.Sub(prev.ScheduledFor))
		r.DueDate = &due
	}
	r.ScheduledFor = scheduledFor
	r.Status = domain.StatusPending
	r.SendAttempts = 0
	r.EscalationCount = 0
	r.SentAt = nil
	r.AcknowledgedAt = nil
	r.CompletedAt = nil
	r.LastError = ""
	r.CreatedAt = now
	r.UpdatedAt = now
	r.UpdatedBy = ""
	r.Version = 0
	return r
}
