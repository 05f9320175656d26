package domain

import (
	"encoding/json"
	"fmt"
)

// Details is the type-specific part of a reminder. Every reminder type has exactly one
// details struct, so fields that only make sense for one type cannot appear on another.
type Details interface {
	Type() Type
}

type EventDeadline struct {
	EventID         string `json:"eventId,omitempty"`
	RegistrationURL string `json:"registrationUrl,omitempty"`
}

type VolunteerNeeded struct {
	EventID   string `json:"eventId,omitempty"`
	Role      string `json:"role,omitempty"`
	SlotsOpen int    `json:"slotsOpen,omitempty"`
}

type PaymentDue struct {
	InvoiceID string `json:"invoiceId,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

type Preparation struct {
	EventID   string   `json:"eventId,omitempty"`
	Checklist []string `json:"checklist,omitempty"`
}

type FollowUp struct {
	AnnouncementID string `json:"announcementId,omitempty"`
	LocationID     string `json:"locationId,omitempty"`
}

type Custom struct{}

func (EventDeadline) Type() Type   { return TypeEventDeadline }
func (VolunteerNeeded) Type() Type { return TypeVolunteerNeeded }
func (PaymentDue) Type() Type      { return TypePaymentDue }
func (Preparation) Type() Type     { return TypePreparation }
func (FollowUp) Type() Type        { return TypeFollowUp }
func (Custom) Type() Type          { return TypeCustom }

// NewDetails returns the zero details value for a type.
func NewDetails(t Type) (Details, error) {
	switch t {
	case TypeEventDeadline:
		return EventDeadline{}, nil
	case TypeVolunteerNeeded:
		return VolunteerNeeded{}, nil
	case TypePaymentDue:
		return PaymentDue{}, nil
	case TypePreparation:
		return Preparation{}, nil
	case TypeFollowUp:
		return FollowUp{}, nil
	case TypeCustom, "":
		return Custom{}, nil
	}
	return nil, fmt.Errorf("unknown reminder type %q", t)
}

// DecodeDetails decodes raw JSON into the details struct matching t.
// Empty input yields the zero details for the type.
func DecodeDetails(t Type, raw []byte) (Details, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewDetails(t)
	}
	var err error
	switch t {
	case TypeEventDeadline:
		var d EventDeadline
		err = json.Unmarshal(raw, &d)
		return d, err
	case TypeVolunteerNeeded:
		var d VolunteerNeeded
		err = json.Unmarshal(raw, &d)
		return d, err
	case TypePaymentDue:
		var d PaymentDue
		err = json.Unmarshal(raw, &d)
		return d, err
	case TypePreparation:
		var d Preparation
		err = json.Unmarshal(raw, &d)
		return d, err
	case TypeFollowUp:
		var d FollowUp
		err = json.Unmarshal(raw, &d)
		return d, err
	case TypeCustom, "":
		return Custom{}, nil
	}
	return nil, fmt.Errorf("unknown reminder type %q", t)
}

func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}
