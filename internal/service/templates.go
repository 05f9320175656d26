package service

import (
	"context"
	"strings"
	"time"

	"reminders/internal/domain"
	"reminders/internal/render"
)

func (s *ReminderService) CreateTemplate(ctx context.Context, actor string, t domain.Template) (domain.Template, error) {
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Frequency == "" {
		t.Frequency = domain.FrequencyOnce
	}
	if t.Type == "" {
		t.Type = domain.TypeCustom
	}
	if err := validateTemplate(t); err != nil {
		return domain.Template{}, err
	}
	now := s.now()
	t.ID = ""
	t.CreatedBy = actor
	t.CreatedAt = now
	t.UpdatedAt = now
	return s.Store.CreateTemplate(ctx, t)
}

func validateTemplate(t domain.Template) error {
	ve := &domain.ValidationError{}
	if strings.TrimSpace(t.Name) == "" {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "name", Message: "Name is required"})
	}
	if strings.TrimSpace(t.TitleTemplate) == "" {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "titleTemplate", Message: "Title template is required"})
	}
	if strings.TrimSpace(t.MessageTemplate) == "" {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "messageTemplate", Message: "Message template is required"})
	}
	if len(t.Channels) == 0 {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "channels", Message: "At least one delivery channel is required"})
	}
	for _, ch := range t.Channels {
		if !ch.Valid() {
			ve.Fields = append(ve.Fields, domain.FieldError{Field: "channels", Message: "Unknown delivery channel: " + string(ch)})
		}
	}
	if !t.Type.Valid() {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "type", Message: "Unknown reminder type: " + string(t.Type)})
	}
	if !t.Priority.Valid() {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "priority", Message: "Unknown priority: " + string(t.Priority)})
	}
	if !t.Frequency.Valid() {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "frequency", Message: "Unknown frequency: " + string(t.Frequency)})
	}
	if t.EscalationDelay < 0 {
		ve.Fields = append(ve.Fields, domain.FieldError{Field: "escalationDelay", Message: "Escalation delay must be a positive number of hours"})
	}
	return ve.OrNil()
}

func (s *ReminderService) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return s.Store.GetTemplate(ctx, id)
}

func (s *ReminderService) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	return s.Store.ListTemplates(ctx, activeOnly)
}

// FromTemplate is the per-reminder input when instantiating a stored template.
type FromTemplate struct {
	TemplateID   string            `json:"templateId"`
	Variables    map[string]string `json:"variables"`
	RecipientIDs []string          `json:"recipientIds"`
	ScheduledFor time.Time         `json:"scheduledFor"`
	DueDate      *time.Time        `json:"dueDate,omitempty"`
	// Channels overrides the template's channels when set.
	Channels   []domain.Channel `json:"channels,omitempty"`
	ActionURL  string           `json:"actionUrl,omitempty"`
	ActionText string           `json:"actionText,omitempty"`
}

// CreateFromTemplate renders an active template and creates a reminder carrying its policy.
func (s *ReminderService) CreateFromTemplate(ctx context.Context, actor string, in FromTemplate) (domain.Reminder, error) {
	if in.TemplateID == "" {
		return domain.Reminder{}, domain.NewValidationError("templateId", "Template is required")
	}
	t, err := s.Store.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return domain.Reminder{}, err
	}
	if !t.Active {
		return domain.Reminder{}, domain.NewValidationError("templateId", "Template is not active")
	}
	rendered, err := render.RenderTemplate(t, in.Variables)
	if err != nil {
		return domain.Reminder{}, err
	}
	details, err := domain.NewDetails(t.Type)
	if err != nil {
		return domain.Reminder{}, err
	}

	r := domain.Reminder{
		Details:             details,
		Title:               rendered.Title,
		Description:         t.Description,
		Message:             rendered.Message,
		RecipientIDs:        in.RecipientIDs,
		ScheduledFor:        in.ScheduledFor,
		DueDate:             in.DueDate,
		Frequency:           t.Frequency,
		Channels:            t.Channels,
		Priority:            t.Priority,
		AllowAcknowledgment: t.AllowAcknowledgment,
		RequireConfirmation: t.RequireConfirmation,
		ActionURL:           in.ActionURL,
		ActionText:          in.ActionText,
		TemplateID:          t.ID,
		Variables:           rendered.Variables,
	}
	if len(in.Channels) > 0 {
		r.Channels = in.Channels
	}
	if t.EscalationDelay > 0 {
		r.Escalation = &domain.EscalationPolicy{DelayHours: t.EscalationDelay}
	}
	return s.Create(ctx, actor, r)
}
