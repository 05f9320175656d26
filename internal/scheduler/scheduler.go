// Package scheduler drives the periodic sweep: due reminders go to a bounded worker pool,
// then escalation and the recurrence catch-up pass run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reminders/internal/dispatch"
	"reminders/internal/domain"
	"reminders/internal/observability"
	"reminders/internal/store"
	"reminders/internal/util"
)

type Config struct {
	// Spec is a robfig/cron spec; seconds are optional and descriptors like @every work.
	Spec      string
	Workers   int
	BatchSize int
	QueueSize int
	// CatchUpWindow bounds how far back the recurrence catch-up pass looks.
	CatchUpWindow time.Duration
}

func DefaultConfig() Config {
	return Config{Spec: "@every 30s", Workers: 8, BatchSize: 200, CatchUpWindow: 24 * time.Hour}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r domain.Reminder) (dispatch.Report, error)
}

// Escalator escalates overdue unconfirmed reminders and hands each re-dispatch to queue.
type Escalator interface {
	Run(ctx context.Context, queue func(domain.Reminder) bool) (int, error)
}

type CatchUpper interface {
	CatchUp(ctx context.Context, since time.Time) (int, error)
}

type SweepResult struct {
	Due       int
	Enqueued  int
	Escalated int
	Spawned   int
}

type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	escalator  Escalator
	catchUp    CatchUpper
	cfg        Config
	log        *slog.Logger
	now        func() time.Time

	parser cron.Parser
	cron   *cron.Cron
	jobs   chan domain.Reminder

	mu       sync.Mutex
	inFlight map[string]struct{}
	pending  sync.WaitGroup
	workers  sync.WaitGroup
	cancel   context.CancelFunc
}

func New(s store.Store, d Dispatcher, esc Escalator, cu CatchUpper, cfg Config, log *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Spec == "" {
		cfg.Spec = def.Spec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.BatchSize
	}
	if cfg.CatchUpWindow <= 0 {
		cfg.CatchUpWindow = def.CatchUpWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      s,
		dispatcher: d,
		escalator:  esc,
		catchUp:    cu,
		cfg:        cfg,
		log:        log,
		now:        util.NowUTC,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:     make(chan domain.Reminder, cfg.QueueSize),
		inFlight: map[string]struct{}{},
	}
}

// Start launches the worker pool and the cron trigger. It returns an error for an invalid spec.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.parser.Parse(s.cfg.Spec); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", s.cfg.Spec, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startWorkers(ctx)

	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("sweep failed", "err", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", "spec", s.cfg.Spec, "workers", s.cfg.Workers, "batch_size", s.cfg.BatchSize)
	return nil
}

// Stop halts the trigger, waits for a running sweep, then cancels in-flight dispatches and
// waits for the workers, all bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for workers")
	}
}

func (s *Scheduler) startWorkers(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for {
				select {
				case <-ctx.Done():
					s.drain()
					return
				case r := <-s.jobs:
					s.process(ctx, r)
				}
			}
		}()
	}
}

// drain releases queued reminders so they are picked up again after restart.
func (s *Scheduler) drain() {
	for {
		select {
		case r := <-s.jobs:
			s.release(r.ID)
		default:
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context, r domain.Reminder) {
	defer s.release(r.ID)
	start := time.Now()
	rep, err := s.dispatcher.Dispatch(ctx, r)
	switch {
	case err == nil:
		s.log.Debug("dispatch finished", "reminder_id", r.ID, "status", rep.Status, "duration", time.Since(start))
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		// changed by someone else since the sweep saw it
		s.log.Debug("dispatch skipped", "reminder_id", r.ID, "err", err)
	case errors.Is(err, context.Canceled):
		s.log.Info("dispatch interrupted", "reminder_id", r.ID)
	default:
		s.log.Error("dispatch failed", "reminder_id", r.ID, "err", err, "duration", time.Since(start))
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
	s.pending.Done()
}

// enqueue hands r to the pool without blocking. It reports false when r is already in
// flight or the queue is full; either way a later sweep sees it again.
func (s *Scheduler) enqueue(r domain.Reminder) bool {
	s.mu.Lock()
	if _, busy := s.inFlight[r.ID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inFlight[r.ID] = struct{}{}
	s.pending.Add(1)
	s.mu.Unlock()

	select {
	case s.jobs <- r:
		return true
	default:
		s.release(r.ID)
		return false
	}
}

// Sweep runs one scheduling pass.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	now := s.now()
	due, err := s.due(ctx, now)
	if err != nil {
		return res, fmt.Errorf("query due reminders: %w", err)
	}
	res.Due = len(due)
	for _, r := range due {
		if s.enqueue(r) {
			res.Enqueued++
		}
	}
	observability.SweepEnqueued.Add(float64(res.Enqueued))
	if res.Enqueued < res.Due {
		s.log.Warn("worker pool saturated or reminders in flight", "due", res.Due, "enqueued", res.Enqueued)
	}

	if s.escalator != nil {
		n, err := s.escalator.Run(ctx, s.enqueue)
		if err != nil {
			s.log.Error("escalation pass failed", "err", err)
		}
		res.Escalated = n
	}
	if s.catchUp != nil {
		n, err := s.catchUp.CatchUp(ctx, now.Add(-s.cfg.CatchUpWindow))
		if err != nil {
			s.log.Error("recurrence catch-up failed", "err", err)
		}
		res.Spawned = n
	}

	if res.Due > 0 || res.Escalated > 0 || res.Spawned > 0 {
		s.log.Info("sweep finished", "due", res.Due, "enqueued", res.Enqueued, "escalated", res.Escalated, "spawned", res.Spawned, "duration", time.Since(start))
	}
	return res, nil
}

func (s *Scheduler) due(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	f := store.Filter{
		Statuses:        []domain.Status{domain.StatusPending},
		ScheduledBefore: &now,
	}
	var out []domain.Reminder
	for page := 1; len(out) < s.cfg.BatchSize; page++ {
		res, err := s.store.List(ctx, f, store.Sort{Field: store.SortScheduledFor}, store.Page{Page: page, Limit: store.MaxPageLimit})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Items...)
		if !res.HasMore {
			break
		}
	}
	if len(out) > s.cfg.BatchSize {
		out = out[:s.cfg.BatchSize]
	}
	return out, nil
}

// Wait blocks until everything enqueued so far has been processed.
func (s *Scheduler) Wait() { s.pending.Wait() }

type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
