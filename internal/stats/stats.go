// Package stats aggregates reminder counts over a filtered slice of the store.
package stats

import (
	"context"
	"math"
	"time"

	"reminders/internal/domain"
	"reminders/internal/store"
)

type Stats struct {
	Total          int                     `json:"total"`
	ByStatus       map[domain.Status]int   `json:"byStatus"`
	ByPriority     map[domain.Priority]int `json:"byPriority"`
	ByType         map[domain.Type]int     `json:"byType"`
	ByChannel      map[domain.Channel]int  `json:"byChannel"`
	Overdue        int                     `json:"overdue"`
	Escalated      int                     `json:"escalated"`
	CompletionRate float64                 `json:"completionRate"`
	EscalationRate float64                 `json:"escalationRate"`
}

func empty() Stats {
	s := Stats{
		ByStatus:   make(map[domain.Status]int, len(domain.AllStatuses)),
		ByPriority: make(map[domain.Priority]int, len(domain.AllPriorities)),
		ByType:     make(map[domain.Type]int, len(domain.AllTypes)),
		ByChannel:  make(map[domain.Channel]int, len(domain.AllChannels)),
	}
	for _, v := range domain.AllStatuses {
		s.ByStatus[v] = 0
	}
	for _, v := range domain.AllPriorities {
		s.ByPriority[v] = 0
	}
	for _, v := range domain.AllTypes {
		s.ByType[v] = 0
	}
	for _, v := range domain.AllChannels {
		s.ByChannel[v] = 0
	}
	return s
}

// Add folds one reminder into the counters.
func (s *Stats) Add(r domain.Reminder, now time.Time) {
	s.Total++
	s.ByStatus[r.Status]++
	s.ByPriority[r.Priority]++
	s.ByType[r.Type()]++
	for _, ch := range r.Channels {
		s.ByChannel[ch]++
	}
	if overdue(r, now) {
		s.Overdue++
	}
	if r.EscalationCount > 0 {
		s.Escalated++
	}
}

// overdue also excludes failed reminders, unlike Reminder.IsOverdue.
func overdue(r domain.Reminder, now time.Time) bool {
	if r.DueDate == nil || !r.DueDate.Before(now) {
		return false
	}
	switch r.Status {
	case domain.StatusCompleted, domain.StatusCancelled, domain.StatusFailed:
		return false
	}
	return true
}

func (s *Stats) finish() {
	if s.Total == 0 {
		return
	}
	s.CompletionRate = percent(s.ByStatus[domain.StatusCompleted], s.Total)
	s.EscalationRate = percent(s.Escalated, s.Total)
}

func percent(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*10000) / 100
}

// Compute aggregates the given reminders.
func Compute(rs []domain.Reminder, now time.Time) Stats {
	s := empty()
	for _, r := range rs {
		s.Add(r, now)
	}
	s.finish()
	return s
}

type Lister interface {
	List(ctx context.Context, f store.Filter, s store.Sort, p store.Page) (store.ListResult, error)
}

// Aggregate pages through every reminder matching f.
func Aggregate(ctx context.Context, l Lister, f store.Filter, now time.Time) (Stats, error) {
	s := empty()
	for page := 1; ; page++ {
		res, err := l.List(ctx, f, store.Sort{Field: store.SortCreatedAt}, store.Page{Page: page, Limit: store.MaxPageLimit})
		if err != nil {
			return Stats{}, err
		}
		for _, r := range res.Items {
			s.Add(r, now)
		}
		if !res.HasMore {
			break
		}
	}
	s.finish()
	return s, nil
}
