package channel

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"reminders/internal/domain"
	"reminders/internal/observability"
)

// Limits configures the protection wrapped around one transport.
type Limits struct {
	RPS   float64
	Burst int
	// breaker trips after this many consecutive transient failures
	TripAfter    uint32
	OpenFor      time.Duration
	HalfOpenMax  uint32
	LimitTimeout time.Duration
	SendTimeout  time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		RPS:          5,
		Burst:        10,
		TripAfter:    10,
		OpenFor:      20 * time.Second,
		HalfOpenMax:  3,
		LimitTimeout: 2 * time.Second,
		SendTimeout:  8 * time.Second,
	}
}

type entry struct {
	sender  Sender
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	limits  Limits
}

// Registry routes messages to the sender registered for their channel.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.Channel]*entry
	log     *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{entries: map[domain.Channel]*entry{}, log: log}
}

func (r *Registry) Register(ch domain.Channel, s Sender, lim Limits) {
	def := DefaultLimits()
	if lim.Burst <= 0 {
		lim.Burst = def.Burst
	}
	if lim.TripAfter == 0 {
		lim.TripAfter = def.TripAfter
	}
	if lim.OpenFor <= 0 {
		lim.OpenFor = def.OpenFor
	}
	if lim.HalfOpenMax == 0 {
		lim.HalfOpenMax = def.HalfOpenMax
	}
	if lim.LimitTimeout <= 0 {
		lim.LimitTimeout = def.LimitTimeout
	}
	if lim.SendTimeout <= 0 {
		lim.SendTimeout = def.SendTimeout
	}

	e := &entry{sender: s, limits: lim}
	if lim.RPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst)
	}
	tripAfter := lim.TripAfter
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: lim.HalfOpenMax,
		Timeout:     lim.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= tripAfter },
		// a bad address says nothing about the health of the transport
		IsSuccessful: func(err error) bool {
			var de *domain.DeliveryError
			if errors.As(err, &de) {
				return !de.Retryable
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("channel breaker state change", "channel", name, "from", from.String(), "to", to.String())
		},
	})

	r.mu.Lock()
	r.entries[ch] = e
	r.mu.Unlock()
}

// Channels lists the channels that have a sender.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.entries))
	for ch := range r.entries {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Has(ch domain.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[ch]
	return ok
}

// Send delivers msg through its channel's sender. Every failure comes back as a
// *domain.DeliveryError.
func (r *Registry) Send(ctx context.Context, msg Message) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return Result{}, Permanent(msg, "no sender registered for channel", nil)
	}

	if e.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, e.limits.LimitTimeout)
		err := e.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, Transient(msg, "cancelled", ctx.Err())
			}
			return Result{}, Transient(msg, "rate limited", err)
		}
	}

	start := time.Now()
	out, err := e.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, e.limits.SendTimeout)
		defer cancel()
		return e.sender.Send(sendCtx, msg)
	})
	observability.SendLatency.WithLabelValues(string(msg.Channel)).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, Transient(msg, "circuit open", err)
	}
	if err != nil {
		var de *domain.DeliveryError
		if errors.As(err, &de) {
			return Result{}, de
		}
		return Result{}, Transient(msg, "", err)
	}
	res, _ := out.(Result)
	return res, nil
}

// LogSender accepts every message and writes it to the log. It stands in for transports
// that are not configured.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) (Result, error) {
	s.Log.Info("notification delivered to log",
		"reminder_id", msg.ReminderID,
		"recipient_id", msg.RecipientID,
		"channel", msg.Channel,
		"title", msg.Title,
		"attempt", msg.Attempt,
	)
	return Result{ProviderRef: "log:" + msg.IdempotencyKey}, nil
}
