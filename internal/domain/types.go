package domain

type Type string

const (
	TypeEventDeadline   Type = "event_deadline"
	TypeVolunteerNeeded Type = "volunteer_needed"
	TypePaymentDue      Type = "payment_due"
	TypePreparation     Type = "preparation"
	TypeFollowUp        Type = "follow_up"
	TypeCustom          Type = "custom"
)

var AllTypes = []Type{TypeEventDeadline, TypeVolunteerNeeded, TypePaymentDue, TypePreparation, TypeFollowUp, TypeCustom}

func (t Type) Valid() bool {
	for _, v := range AllTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var AllPriorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Rank orders priorities from 0 (low) to 3 (urgent). Unknown values rank -1.
func (p Priority) Rank() int {
	for i, v := range AllPriorities {
		if v == p {
			return i
		}
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Raise returns the next priority level, capped at urgent.
func (p Priority) Raise() Priority {
	r := p.Rank()
	if r < 0 {
		return PriorityHigh
	}
	if r+1 >= len(AllPriorities) {
		return PriorityUrgent
	}
	return AllPriorities[r+1]
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusEscalated    Status = "escalated"
)

var AllStatuses = []Status{StatusPending, StatusSent, StatusAcknowledged, StatusCompleted, StatusFailed, StatusCancelled, StatusEscalated}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
	ChannelInApp Channel = "in_app"
)

var AllChannels = []Channel{ChannelEmail, ChannelPush, ChannelSMS, ChannelChat, ChannelInApp}

func (c Channel) Valid() bool {
	for _, v := range AllChannels {
		if v == c {
			return true
		}
	}
	return false
}

type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

func (f Frequency) Recurring() bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyMonthly
}

type DeliveryOutcome string

const (
	OutcomeSuccess  DeliveryOutcome = "success"
	OutcomeFailure  DeliveryOutcome = "failure"
	OutcomeRetrying DeliveryOutcome = "retrying"
)
