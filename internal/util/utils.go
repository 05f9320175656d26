package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, which keeps store indexes and dashboards ordered by creation time.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewReminderID() string   { return newID("rem_") }
func NewDeliveryID() string   { return newID("dlv_") }
func NewTemplateID() string   { return newID("tpl_") }
func NewEscalationID() string { return newID("esc_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
