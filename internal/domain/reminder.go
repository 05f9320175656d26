package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// EscalationPolicy is present on a reminder only when auto-escalation is enabled.
type EscalationPolicy struct {
	DelayHours int `json:"delayHours"`
}

func (p EscalationPolicy) Delay() time.Duration {
	return time.Duration(p.DelayHours) * time.Hour
}

type Reminder struct {
	ID          string  `json:"id"`
	SeriesID    string  `json:"seriesId"`
	Details     Details `json:"-"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Message     string  `json:"message"`

	RecipientIDs []string   `json:"recipientIds"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Frequency    Frequency  `json:"frequency"`
	Channels     []Channel  `json:"channels"`

	Priority            Priority          `json:"priority"`
	AllowAcknowledgment bool              `json:"allowAcknowledgment"`
	RequireConfirmation bool              `json:"requireConfirmation"`
	Escalation          *EscalationPolicy `json:"escalation,omitempty"`

	ActionURL  string            `json:"actionUrl,omitempty"`
	ActionText string            `json:"actionText,omitempty"`
	TemplateID string            `json:"templateId,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`

	Status          Status     `json:"status"`
	SendAttempts    int        `json:"sendAttempts"`
	EscalationCount int        `json:"escalationCount"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// Type is derived from the details variant; reminders without details are custom.
func (r Reminder) Type() Type {
	if r.Details == nil {
		return TypeCustom
	}
	return r.Details.Type()
}

func (r Reminder) AutoEscalate() bool { return r.Escalation != nil }

// IsOverdue reports whether the due date has passed on a reminder that is still open.
func (r Reminder) IsOverdue(now time.Time) bool {
	if r.DueDate == nil {
		return false
	}
	if r.Status == StatusCompleted || r.Status == StatusCancelled {
		return false
	}
	return r.DueDate.Before(now)
}

func (r Reminder) HasRecipient(id string) bool {
	return slices.Contains(r.RecipientIDs, id)
}

func (r Reminder) HasChannel(ch Channel) bool {
	return slices.Contains(r.Channels, ch)
}

// Clone returns a deep copy so callers can mutate slices and maps freely.
func (r Reminder) Clone() Reminder {
	out := r
	out.RecipientIDs = slices.Clone(r.RecipientIDs)
	out.Channels = slices.Clone(r.Channels)
	out.DueDate = cloneTime(r.DueDate)
	out.SentAt = cloneTime(r.SentAt)
	out.AcknowledgedAt = cloneTime(r.AcknowledgedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	if r.Escalation != nil {
		e := *r.Escalation
		out.Escalation = &e
	}
	if r.Variables != nil {
		out.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (r Reminder) MarshalJSON() ([]byte, error) {
	type alias Reminder
	details, err := EncodeDetails(r.Details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Type    Type            `json:"type"`
		Details json.RawMessage `json:"details"`
	}{alias(r), r.Type(), details})
}

func (r *Reminder) UnmarshalJSON(b []byte) error {
	type alias Reminder
	aux := struct {
		*alias
		Type    Type            `json:"type"`
		Details json.RawMessage `json:"details"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d, err := DecodeDetails(aux.Type, aux.Details)
	if err != nil {
		return err
	}
	r.Details = d
	return nil
}

type Delivery struct {
	ID             string          `json:"id"`
	ReminderID     string          `json:"reminderId"`
	RecipientID    string          `json:"recipientId"`
	Channel        Channel         `json:"channel"`
	AttemptNumber  int             `json:"attemptNumber"`
	Outcome        DeliveryOutcome `json:"outcome"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ErrorDetail    string          `json:"errorDetail,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

type Acknowledgment struct {
	ReminderID     string    `json:"reminderId"`
	RecipientID    string    `json:"recipientId"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
	ResponseNote   string    `json:"responseNote,omitempty"`
}

type Escalation struct {
	ID            string    `json:"id"`
	ReminderID    string    `json:"reminderId"`
	EscalatedAt   time.Time `json:"escalatedAt"`
	EscalatedBy   string    `json:"escalatedBy"`
	Reason        string    `json:"reason"`
	NewRecipients []string  `json:"newRecipients,omitempty"`
	NewPriority   Priority  `json:"newPriority"`
}

// EscalatedBySystem marks escalations raised by the escalation engine rather than an administrator.
const EscalatedBySystem = "system"

type TemplateVariable struct {
	Name         string `json:"name" yaml:"name"`
	DisplayName  string `json:"displayName,omitempty" yaml:"displayName"`
	Description  string `json:"description,omitempty" yaml:"description"`
	Required     bool   `json:"required" yaml:"required"`
	DefaultValue string `json:"defaultValue,omitempty" yaml:"defaultValue"`
}

type Template struct {
	ID                  string             `json:"id" yaml:"id"`
	Name                string             `json:"name" yaml:"name"`
	Description         string             `json:"description,omitempty" yaml:"description"`
	Type                Type               `json:"type" yaml:"type"`
	Priority            Priority           `json:"priority" yaml:"priority"`
	Frequency           Frequency          `json:"frequency" yaml:"frequency"`
	Channels            []Channel          `json:"channels" yaml:"channels"`
	TitleTemplate       string             `json:"titleTemplate" yaml:"titleTemplate"`
	MessageTemplate     string             `json:"messageTemplate" yaml:"messageTemplate"`
	Variables           []TemplateVariable `json:"variables" yaml:"variables"`
	AllowAcknowledgment bool               `json:"allowAcknowledgment" yaml:"allowAcknowledgment"`
	RequireConfirmation bool               `json:"requireConfirmation" yaml:"requireConfirmation"`
	EscalationDelay     int                `json:"escalationDelay,omitempty" yaml:"escalationDelay"`
	Active              bool               `json:"active" yaml:"active"`
	CreatedBy           string             `json:"createdBy" yaml:"-"`
	CreatedAt           time.Time          `json:"createdAt" yaml:"-"`
	UpdatedAt           time.Time          `json:"updatedAt" yaml:"-"`
}
