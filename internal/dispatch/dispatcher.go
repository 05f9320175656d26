// Package dispatch runs one delivery cycle of a reminder: every recipient on every channel,
// with retries, idempotency and a persisted record per attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"reminders/internal/channel"
	"reminders/internal/domain"
	"reminders/internal/observability"
	"reminders/internal/render"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Config struct {
	MaxAttempts int
	// Concurrency bounds the recipient × channel pairs in flight for one reminder.
	Concurrency int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Concurrency: 8, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

type Sender interface {
	Send(ctx context.Context, msg channel.Message) (channel.Result, error)
}

// Spawner creates the next occurrence of a recurring reminder once a cycle completes.
type Spawner interface {
	Spawn(ctx context.Context, completed domain.Reminder) (domain.Reminder, bool, error)
}

type PairResult struct {
	RecipientID string                 `json:"recipientId"`
	Channel     domain.Channel         `json:"channel"`
	Outcome     domain.DeliveryOutcome `json:"outcome"`
	Attempts    int                    `json:"attempts"`
	Skipped     bool                   `json:"skipped,omitempty"`
	Error       string                 `json:"error,omitempty"`

	exhausted   bool
	interrupted bool
}

type Report struct {
	ReminderID string          `json:"reminderId"`
	Status     domain.Status   `json:"status"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Pairs      []PairResult    `json:"pairs"`
	Reminder   domain.Reminder `json:"-"`
}

type Dispatcher struct {
	store    store.Store
	sender   Sender
	resolver channel.Resolver
	spawner  Spawner
	cfg      Config
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(s store.Store, sender Sender, resolver channel.Resolver, spawner Spawner, cfg Config, log *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if resolver == nil {
		resolver = channel.IdentityResolver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		sender:   sender,
		resolver: resolver,
		spawner:  spawner,
		cfg:      cfg,
		log:      log,
		now:      util.NowUTC,
		sleep:    sleepCtx,
	}
}

// Dispatch runs one cycle for the stored state of r. Channel failures are reported in the
// Report and reflected in the reminder's status; the returned error is reserved for store
// failures, non-dispatchable reminders and cancellation of ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, r domain.Reminder) (Report, error) {
	cur, err := d.store.Get(ctx, r.ID)
	if err != nil {
		return Report{}, err
	}
	if !domain.Dispatchable(cur.Status) {
		return Report{}, fmt.Errorf("dispatch %s reminder %s: %w", cur.Status, cur.ID, domain.ErrInvalidTransition)
	}

	// recipients added while this cycle runs are picked up by the next one
	recipients := slices.Clone(cur.RecipientIDs)
	channels := slices.Clone(cur.Channels)

	results := make([]PairResult, len(recipients)*len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	i := 0
	for _, rid := range recipients {
		for _, ch := range channels {
			idx, rid, ch := i, rid, ch
			i++
			g.Go(func() error {
				results[idx] = d.deliverPair(gctx, cur, rid, ch)
				return nil
			})
		}
	}
	_ = g.Wait()

	rep := Report{ReminderID: cur.ID, Status: cur.Status, Pairs: results}
	interrupted := false
	allExhausted := true
	var errs []string
	for _, p := range results {
		switch {
		case p.Outcome == domain.OutcomeSuccess:
			rep.Succeeded++
			if p.Skipped {
				rep.Skipped++
			}
		default:
			rep.Failed++
			if p.Error != "" {
				errs = append(errs, fmt.Sprintf("%s/%s: %s", p.RecipientID, p.Channel, p.Error))
			}
		}
		if p.interrupted {
			interrupted = true
		}
		if p.Outcome != domain.OutcomeSuccess && !p.exhausted {
			allExhausted = false
		}
	}

	if interrupted || ctx.Err() != nil {
		observability.DispatchCycles.WithLabelValues("interrupted").Inc()
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		// cancelled or deleted while in flight
		return rep, nil
	}

	// A cycle counts as sent when any pair got through, even if some recipient needing
	// confirmation was reached on no channel; escalation re-reaches unconfirmed recipients.
	var ev domain.Event
	switch {
	case rep.Succeeded > 0:
		ev = domain.EventDispatched
	case allExhausted:
		ev = domain.EventDispatchFailed
	}

	now := d.now()
	updated, err := store.Mutate(ctx, d.store, cur.ID, func(x *domain.Reminder) error {
		x.SendAttempts++
		x.UpdatedAt = now
		if ev == "" || !domain.CanTransition(x.Status, ev) {
			return nil
		}
		from := x.Status
		x.Status, _ = domain.Transition(x.Status, ev)
		// every return from escalated restarts the escalation delay, a failed round included
		if from == domain.StatusEscalated && x.Status == domain.StatusSent {
			x.SentAt = &now
		}
		switch ev {
		case domain.EventDispatched:
			if rep.Succeeded > rep.Skipped || x.SentAt == nil {
				x.SentAt = &now
			}
			x.LastError = ""
			if !x.AllowAcknowledgment && domain.CanTransition(x.Status, domain.EventCompleted) {
				x.Status, _ = domain.Transition(x.Status, domain.EventCompleted)
				x.CompletedAt = &now
			}
		case domain.EventDispatchFailed:
			x.LastError = truncate(strings.Join(errs, "; "), 1000)
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("record dispatch of %s: %w", cur.ID, err)
	}
	rep.Status = updated.Status
	rep.Reminder = updated

	switch updated.Status {
	case domain.StatusFailed:
		observability.DispatchCycles.WithLabelValues("failed").Inc()
		d.log.Warn("reminder dispatch failed", "reminder_id", updated.ID, "failed_pairs", rep.Failed, "err", updated.LastError)
	default:
		observability.DispatchCycles.WithLabelValues("sent").Inc()
		d.log.Info("reminder dispatched", "reminder_id", updated.ID, "status", updated.Status, "succeeded", rep.Succeeded, "failed", rep.Failed, "skipped", rep.Skipped)
	}

	if updated.Status == domain.StatusCompleted && d.spawner != nil {
		if _, _, err := d.spawner.Spawn(ctx, updated); err != nil {
			// the scheduler's catch-up pass retries the spawn
			d.log.Error("spawn next occurrence failed", "reminder_id", updated.ID, "err", err)
		}
	}
	return rep, nil
}

func (d *Dispatcher) deliverPair(ctx context.Context, r domain.Reminder, recipientID string, ch domain.Channel) PairResult {
	res := PairResult{RecipientID: recipientID, Channel: ch}
	key := domain.IdempotencyKey(r, recipientID, ch)

	st, err := d.store.DeliveryState(ctx, key)
	if err != nil {
		res.Outcome = domain.OutcomeFailure
		res.Error = err.Error()
		res.interrupted = ctx.Err() != nil
		return res
	}
	res.Attempts = st.Attempts
	if st.Succeeded {
		res.Outcome = domain.OutcomeSuccess
		res.Skipped = true
		return res
	}
	if st.Attempts >= d.cfg.MaxAttempts {
		res.Outcome = domain.OutcomeFailure
		res.Error = "attempts exhausted"
		res.exhausted = true
		return res
	}

	contact, err := d.resolver.Resolve(ctx, recipientID)
	if err != nil {
		if ctx.Err() != nil {
			res.interrupted = true
			return res
		}
		res.Error = "resolve recipient: " + err.Error()
		res.exhausted = errors.Is(err, domain.ErrNotFound)
		res.Outcome = domain.OutcomeRetrying
		if res.exhausted {
			res.Outcome = domain.OutcomeFailure
		}
		res.Attempts++
		d.record(ctx, r, recipientID, ch, key, res.Attempts, res.Outcome, res.Error)
		return res
	}
	if contact.RecipientID == "" {
		contact.RecipientID = recipientID
	}

	msg := buildMessage(r, contact, ch, key)
	for attempt := st.Attempts + 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.interrupted = true
			return res
		}
		if stop := d.cancelled(ctx, r.ID); stop {
			res.interrupted = true
			res.Error = "reminder cancelled"
			return res
		}

		msg.Attempt = attempt
		_, err := d.sender.Send(ctx, msg)
		res.Attempts = attempt
		if err == nil {
			res.Outcome = domain.OutcomeSuccess
			res.Error = ""
			if err := d.record(ctx, r, recipientID, ch, key, attempt, domain.OutcomeSuccess, ""); errors.Is(err, domain.ErrDuplicate) {
				// an overlapping cycle recorded this pair first
				res.Skipped = true
			}
			return res
		}
		if ctx.Err() != nil {
			res.interrupted = true
			return res
		}

		retryable := true
		var de *domain.DeliveryError
		if errors.As(err, &de) {
			retryable = de.Retryable
		}
		res.Error = err.Error()
		if !retryable || attempt == d.cfg.MaxAttempts {
			res.Outcome = domain.OutcomeFailure
			res.exhausted = true
			d.record(ctx, r, recipientID, ch, key, attempt, domain.OutcomeFailure, res.Error)
			return res
		}
		res.Outcome = domain.OutcomeRetrying
		d.record(ctx, r, recipientID, ch, key, attempt, domain.OutcomeRetrying, res.Error)

		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			res.interrupted = true
			return res
		}
	}
	return res
}

// cancelled re-reads the reminder so an administrator cancel stops the remaining sends.
func (d *Dispatcher) cancelled(ctx context.Context, id string) bool {
	cur, err := d.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return cur.Status == domain.StatusCancelled
}

// record appends one attempt to the delivery log. A second success for the same key is
// refused by the store with domain.ErrDuplicate.
func (d *Dispatcher) record(ctx context.Context, r domain.Reminder, recipientID string, ch domain.Channel, key string, attempt int, outcome domain.DeliveryOutcome, detail string) error {
	observability.DeliveryAttempts.WithLabelValues(string(ch), string(outcome)).Inc()
	err := d.store.AppendDelivery(ctx, domain.Delivery{
		ID:             util.NewDeliveryID(),
		ReminderID:     r.ID,
		RecipientID:    recipientID,
		Channel:        ch,
		AttemptNumber:  attempt,
		Outcome:        outcome,
		IdempotencyKey: key,
		ErrorDetail:    truncate(detail, 500),
		Timestamp:      d.now(),
	})
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		d.log.Info("duplicate delivery success ignored", "reminder_id", r.ID, "recipient_id", recipientID, "channel", ch)
	case err != nil:
		d.log.Error("append delivery failed", "reminder_id", r.ID, "recipient_id", recipientID, "channel", ch, "err", err)
	}
	return err
}

// backoff is exponential in the attempt number with jitter over the upper half.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff << (attempt - 1)
	if b <= 0 || b > d.cfg.MaxBackoff {
		b = d.cfg.MaxBackoff
	}
	half := b / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}

// buildMessage renders the reminder for one recipient. Recipient-scoped variables override
// the reminder's own.
func buildMessage(r domain.Reminder, c channel.Contact, ch domain.Channel, key string) channel.Message {
	vars := make(map[string]string, len(r.Variables)+4)
	for k, v := range r.Variables {
		vars[k] = v
	}
	vars["recipientId"] = c.RecipientID
	if c.DisplayName != "" {
		vars["recipientName"] = c.DisplayName
	}
	vars["title"] = r.Title
	if r.DueDate != nil {
		vars["dueDate"] = r.DueDate.UTC().Format(time.RFC3339)
	}

	return channel.Message{
		ReminderID:     r.ID,
		RecipientID:    c.RecipientID,
		Channel:        ch,
		Address:        c.Address(ch),
		Title:          render.Render(r.Title, vars),
		Body:           render.Render(r.Message, vars),
		Priority:       r.Priority,
		ActionURL:      render.Render(r.ActionURL, vars),
		ActionText:     r.ActionText,
		CanAcknowledge: r.AllowAcknowledgment,
		IdempotencyKey: key,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
