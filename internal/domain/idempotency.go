package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// IdempotencyKey identifies one (reminder, recipient, channel, cycle) delivery. A cycle is the
// scheduled instant plus the escalation round, so escalations re-send while overlapping sweeps
// of the same cycle do not.
func IdempotencyKey(r Reminder, recipientID string, ch Channel) string {
	h := sha256.New()
	for _, part := range []string{
		r.ID,
		recipientID,
		string(ch),
		r.ScheduledFor.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(r.EscalationCount),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
