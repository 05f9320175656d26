package domain

import "fmt"

// Event is something that happens to a reminder and may move it to another status.
type Event string

const (
	EventDispatched     Event = "dispatched"
	EventDispatchFailed Event = "dispatch_failed"
	EventAcknowledged   Event = "acknowledged"
	EventCompleted      Event = "completed"
	EventEscalated      Event = "escalated"
	EventRescheduled    Event = "rescheduled"
	EventCancelled      Event = "cancelled"
)

// transitions is the single source of truth for the reminder lifecycle.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventDispatched:     StatusSent,
		EventDispatchFailed: StatusFailed,
		EventRescheduled:    StatusPending,
		EventCancelled:      StatusCancelled,
	},
	StatusSent: {
		EventDispatched:   StatusSent,
		EventAcknowledged: StatusAcknowledged,
		EventCompleted:    StatusCompleted,
		EventEscalated:    StatusEscalated,
		EventRescheduled:  StatusPending,
		EventCancelled:    StatusCancelled,
	},
	StatusAcknowledged: {
		EventAcknowledged: StatusAcknowledged,
		EventCompleted:    StatusCompleted,
		EventRescheduled:  StatusPending,
		EventCancelled:    StatusCancelled,
	},
	StatusEscalated: {
		EventDispatched: StatusSent,
		// the previous cycle's deliveries still stand when the escalation round reaches nobody
		EventDispatchFailed: StatusSent,
		EventAcknowledged:   StatusAcknowledged,
		EventRescheduled:    StatusPending,
		EventCancelled:      StatusCancelled,
	},
}

// Transition returns the status reached by applying ev in status from.
func Transition(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s reminder", ErrInvalidTransition, ev, from)
}

func CanTransition(from Status, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

// Dispatchable reports whether a dispatcher may run a delivery cycle for a reminder in s.
func Dispatchable(s Status) bool {
	return CanTransition(s, EventDispatched)
}
