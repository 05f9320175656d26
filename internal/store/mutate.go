package store

import (
	"context"
	"errors"

	"reminders/internal/domain"
)

type Mutator interface {
	Get(ctx context.Context, id string) (domain.Reminder, error)
	Update(ctx context.Context, r domain.Reminder) (domain.Reminder, error)
}

const mutateAttempts = 5

// Mutate re-reads the reminder, applies fn and writes it back, retrying when another
// writer got there first. fn sees the freshest copy on every attempt and may abort by
// returning an error.
func Mutate(ctx context.Context, s Mutator, id string, fn func(r *domain.Reminder) error) (domain.Reminder, error) {
	var lastErr error
	for i := 0; i < mutateAttempts; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return domain.Reminder{}, err
		}
		if err := fn(&cur); err != nil {
			return domain.Reminder{}, err
		}
		out, err := s.Update(ctx, cur)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrConcurrency) {
			return domain.Reminder{}, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.Reminder{}, ctx.Err()
		}
	}
	return domain.Reminder{}, lastErr
}
