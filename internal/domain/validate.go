package domain

import "strings"

// Validate checks a reminder before it is created. Missing required input yields exactly
// one message per field; enum checks only run on values that were supplied.
func Validate(r Reminder) error {
	ve := &ValidationError{}

	if strings.TrimSpace(r.Title) == "" {
		ve.add("title", "Title is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		ve.add("message", "Message is required")
	}
	if len(r.RecipientIDs) == 0 {
		ve.add("recipientIds", "At least one recipient is required")
	} else {
		for _, id := range r.RecipientIDs {
			if strings.TrimSpace(id) == "" {
				ve.add("recipientIds", "Recipient ids must not be blank")
				break
			}
		}
	}
	if r.ScheduledFor.IsZero() {
		ve.add("scheduledFor", "Scheduled date is required")
	}
	if len(r.Channels) == 0 {
		ve.add("channels", "At least one delivery channel is required")
	} else {
		for _, ch := range r.Channels {
			if !ch.Valid() {
				ve.add("channels", "Unknown delivery channel: "+string(ch))
			}
		}
	}

	if r.Priority != "" && !r.Priority.Valid() {
		ve.add("priority", "Unknown priority: "+string(r.Priority))
	}
	if r.Frequency != "" && !r.Frequency.Valid() {
		ve.add("frequency", "Unknown frequency: "+string(r.Frequency))
	}
	if r.Escalation != nil && r.Escalation.DelayHours <= 0 {
		ve.add("escalationDelay", "Escalation delay must be a positive number of hours")
	}
	if r.DueDate != nil && !r.ScheduledFor.IsZero() && r.DueDate.Before(r.ScheduledFor) {
		ve.add("dueDate", "Due date must not be before the scheduled date")
	}

	return ve.OrNil()
}

// ApplyDefaults fills optional policy fields left empty by the caller.
func ApplyDefaults(r *Reminder) {
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.Frequency == "" {
		r.Frequency = FrequencyOnce
	}
	if r.Details == nil {
		r.Details = Custom{}
	}
}
