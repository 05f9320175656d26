package mongostore

import (
	"encoding/json"
	"fmt"
	"time"

	"reminders/internal/domain"
)

// noDueDate stands in for a missing due date in dueSort so those reminders order last
// ascending, matching the other stores.
var noDueDate = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type reminderDoc struct {
	ID          string         `bson:"_id"`
	SeriesID    string         `bson:"seriesId"`
	Type        string         `bson:"type"`
	Details     map[string]any `bson:"details,omitempty"`
	Title       string         `bson:"title"`
	Description string         `bson:"description,omitempty"`
	Message     string         `bson:"message"`

	RecipientIDs []string   `bson:"recipientIds"`
	ScheduledFor time.Time  `bson:"scheduledFor"`
	DueDate      *time.Time `bson:"dueDate,omitempty"`
	DueSort      time.Time  `bson:"dueSort"`
	Frequency    string     `bson:"frequency"`
	Channels     []string   `bson:"channels"`

	Priority             string `bson:"priority"`
	PriorityRank         int    `bson:"priorityRank"`
	AllowAcknowledgment  bool   `bson:"allowAcknowledgment"`
	RequireConfirmation  bool   `bson:"requireConfirmation"`
	EscalationDelayHours *int   `bson:"escalationDelayHours,omitempty"`

	ActionURL  string            `bson:"actionUrl,omitempty"`
	ActionText string            `bson:"actionText,omitempty"`
	TemplateID string            `bson:"templateId,omitempty"`
	Variables  map[string]string `bson:"variables,omitempty"`

	Status          string     `bson:"status"`
	SendAttempts    int        `bson:"sendAttempts"`
	EscalationCount int        `bson:"escalationCount"`
	SentAt          *time.Time `bson:"sentAt,omitempty"`
	AcknowledgedAt  *time.Time `bson:"acknowledgedAt,omitempty"`
	CompletedAt     *time.Time `bson:"completedAt,omitempty"`
	LastError       string     `bson:"lastError,omitempty"`

	CreatedBy string    `bson:"createdBy"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedBy string    `bson:"updatedBy,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt"`
	Version   int64     `bson:"version"`
}

func toDoc(r domain.Reminder) (reminderDoc, error) {
	raw, err := domain.EncodeDetails(r.Details)
	if err != nil {
		return reminderDoc{}, fmt.Errorf("encode details: %w", err)
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return reminderDoc{}, fmt.Errorf("encode details: %w", err)
	}
	d := reminderDoc{
		ID: r.ID, SeriesID: r.SeriesID, Type: string(r.Type()), Details: details,
		Title: r.Title, Description: r.Description, Message: r.Message,
		RecipientIDs: r.RecipientIDs, ScheduledFor: r.ScheduledFor, DueDate: r.DueDate, DueSort: noDueDate,
		Frequency: string(r.Frequency), Channels: make([]string, len(r.Channels)),
		Priority: string(r.Priority), PriorityRank: r.Priority.Rank(),
		AllowAcknowledgment: r.AllowAcknowledgment, RequireConfirmation: r.RequireConfirmation,
		ActionURL: r.ActionURL, ActionText: r.ActionText, TemplateID: r.TemplateID, Variables: r.Variables,
		Status: string(r.Status), SendAttempts: r.SendAttempts, EscalationCount: r.EscalationCount,
		SentAt: r.SentAt, AcknowledgedAt: r.AcknowledgedAt, CompletedAt: r.CompletedAt, LastError: r.LastError,
		CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt, UpdatedBy: r.UpdatedBy, UpdatedAt: r.UpdatedAt,
		Version: r.Version,
	}
	for i, ch := range r.Channels {
		d.Channels[i] = string(ch)
	}
	if r.DueDate != nil {
		d.DueSort = *r.DueDate
	}
	if r.Escalation != nil {
		h := r.Escalation.DelayHours
		d.EscalationDelayHours = &h
	}
	return d, nil
}

func (d reminderDoc) toDomain() (domain.Reminder, error) {
	var raw []byte
	if len(d.Details) > 0 {
		var err error
		if raw, err = json.Marshal(d.Details); err != nil {
			return domain.Reminder{}, err
		}
	}
	details, err := domain.DecodeDetails(domain.Type(d.Type), raw)
	if err != nil {
		return domain.Reminder{}, err
	}
	r := domain.Reminder{
		ID: d.ID, SeriesID: d.SeriesID, Details: details,
		Title: d.Title, Description: d.Description, Message: d.Message,
		RecipientIDs: d.RecipientIDs, ScheduledFor: d.ScheduledFor.UTC(), DueDate: utcPtr(d.DueDate),
		Frequency: domain.Frequency(d.Frequency), Channels: make([]domain.Channel, len(d.Channels)),
		Priority: domain.Priority(d.Priority), AllowAcknowledgment: d.AllowAcknowledgment,
		RequireConfirmation: d.RequireConfirmation, ActionURL: d.ActionURL, ActionText: d.ActionText,
		TemplateID: d.TemplateID, Variables: d.Variables,
		Status: domain.Status(d.Status), SendAttempts: d.SendAttempts, EscalationCount: d.EscalationCount,
		SentAt: utcPtr(d.SentAt), AcknowledgedAt: utcPtr(d.AcknowledgedAt), CompletedAt: utcPtr(d.CompletedAt),
		LastError: d.LastError, CreatedBy: d.CreatedBy, CreatedAt: d.CreatedAt.UTC(),
		UpdatedBy: d.UpdatedBy, UpdatedAt: d.UpdatedAt.UTC(), Version: d.Version,
	}
	for i, ch := range d.Channels {
		r.Channels[i] = domain.Channel(ch)
	}
	if d.EscalationDelayHours != nil {
		r.Escalation = &domain.EscalationPolicy{DelayHours: *d.EscalationDelayHours}
	}
	return r, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type deliveryDoc struct {
	ID             string    `bson:"_id"`
	ReminderID     string    `bson:"reminderId"`
	RecipientID    string    `bson:"recipientId"`
	Channel        string    `bson:"channel"`
	AttemptNumber  int       `bson:"attemptNumber"`
	Outcome        string    `bson:"outcome"`
	IdempotencyKey string    `bson:"idempotencyKey"`
	ErrorDetail    string    `bson:"errorDetail,omitempty"`
	Timestamp      time.Time `bson:"timestamp"`
}

type ackDoc struct {
	ReminderID     string    `bson:"reminderId"`
	RecipientID    string    `bson:"recipientId"`
	AcknowledgedAt time.Time `bson:"acknowledgedAt"`
	ResponseNote   string    `bson:"responseNote,omitempty"`
}

type escalationDoc struct {
	ID            string    `bson:"_id"`
	ReminderID    string    `bson:"reminderId"`
	EscalatedAt   time.Time `bson:"escalatedAt"`
	EscalatedBy   string    `bson:"escalatedBy"`
	Reason        string    `bson:"reason"`
	NewRecipients []string  `bson:"newRecipients,omitempty"`
	NewPriority   string    `bson:"newPriority"`
}

type templateVariableDoc struct {
	Name         string `bson:"name"`
	DisplayName  string `bson:"displayName,omitempty"`
	Description  string `bson:"description,omitempty"`
	Required     bool   `bson:"required"`
	DefaultValue string `bson:"defaultValue,omitempty"`
}

type templateDoc struct {
	ID                  string                `bson:"_id"`
	Name                string                `bson:"name"`
	Description         string                `bson:"description,omitempty"`
	Type                string                `bson:"type"`
	Priority            string                `bson:"priority"`
	Frequency           string                `bson:"frequency"`
	Channels            []string              `bson:"channels"`
	TitleTemplate       string                `bson:"titleTemplate"`
	MessageTemplate     string                `bson:"messageTemplate"`
	Variables           []templateVariableDoc `bson:"variables"`
	AllowAcknowledgment bool                  `bson:"allowAcknowledgment"`
	RequireConfirmation bool                  `bson:"requireConfirmation"`
	EscalationDelay     int                   `bson:"escalationDelay,omitempty"`
	Active              bool                  `bson:"active"`
	CreatedBy           string                `bson:"createdBy,omitempty"`
	CreatedAt           time.Time             `bson:"createdAt"`
	UpdatedAt           time.Time             `bson:"updatedAt"`
}

func toTemplateDoc(t domain.Template) templateDoc {
	d := templateDoc{
		ID: t.ID, Name: t.Name, Description: t.Description, Type: string(t.Type),
		Priority: string(t.Priority), Frequency: string(t.Frequency),
		Channels: make([]string, len(t.Channels)), TitleTemplate: t.TitleTemplate,
		MessageTemplate: t.MessageTemplate, Variables: make([]templateVariableDoc, len(t.Variables)),
		AllowAcknowledgment: t.AllowAcknowledgment, RequireConfirmation: t.RequireConfirmation,
		EscalationDelay: t.EscalationDelay, Active: t.Active, CreatedBy: t.CreatedBy,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
	for i, ch := range t.Channels {
		d.Channels[i] = string(ch)
	}
	for i, v := range t.Variables {
		d.Variables[i] = templateVariableDoc(v)
	}
	return d
}

func (d templateDoc) toDomain() domain.Template {
	t := domain.Template{
		ID: d.ID, Name: d.Name, Description: d.Description, Type: domain.Type(d.Type),
		Priority: domain.Priority(d.Priority), Frequency: domain.Frequency(d.Frequency),
		Channels: make([]domain.Channel, len(d.Channels)), TitleTemplate: d.TitleTemplate,
		MessageTemplate: d.MessageTemplate, Variables: make([]domain.TemplateVariable, len(d.Variables)),
		AllowAcknowledgment: d.AllowAcknowledgment, RequireConfirmation: d.RequireConfirmation,
		EscalationDelay: d.EscalationDelay, Active: d.Active, CreatedBy: d.CreatedBy,
		CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
	}
	for i, ch := range d.Channels {
		t.Channels[i] = domain.Channel(ch)
	}
	for i, v := range d.Variables {
		t.Variables[i] = domain.TemplateVariable(v)
	}
	return t
}
