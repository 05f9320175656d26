package httpserver

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"reminders/internal/domain"
	"reminders/internal/store"
)

// queryParser collects every malformed parameter so one response can list them all.
type queryParser struct {
	q  url.Values
	ve domain.ValidationError
}

func (p *queryParser) str(key string) string {
	return strings.TrimSpace(p.q.Get(key))
}

func (p *queryParser) timestamp(key string) *time.Time {
	v := p.str(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.fail(key, "Invalid timestamp for "+key+": expected RFC 3339")
		return nil
	}
	t = t.UTC()
	return &t
}

func (p *queryParser) boolean(key string) *bool {
	v := p.str(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, "Invalid boolean for "+key)
		return nil
	}
	return &b
}

func (p *queryParser) integer(key string) int {
	v := p.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.fail(key, "Invalid number for "+key)
		return 0
	}
	return n
}

// list accepts both repeated keys and comma separated values.
func (p *queryParser) list(key string) []string {
	var out []string
	for _, raw := range p.q[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func (p *queryParser) fail(field, msg string) {
	p.ve.Fields = append(p.ve.Fields, domain.FieldError{Field: field, Message: msg})
}

func (p *queryParser) err() error {
	return p.ve.OrNil()
}

func parseFilter(p *queryParser) store.Filter {
	f := store.Filter{
		RecipientID: p.str("recipientId"),
		CreatedBy:   p.str("createdBy"),
		SeriesID:    p.str("seriesId"),
		Search:      p.str("search"),

		ScheduledFrom:   p.timestamp("scheduledFrom"),
		ScheduledBefore: p.timestamp("scheduledTo"),
		DueBefore:       p.timestamp("dueBefore"),
		CreatedFrom:     p.timestamp("createdFrom"),
		CreatedTo:       p.timestamp("createdTo"),
		CompletedAfter:  p.timestamp("completedAfter"),

		AutoEscalate:        p.boolean("autoEscalate"),
		RequireConfirmation: p.boolean("requireConfirmation"),
		Recurring:           p.boolean("recurring"),
	}
	for _, s := range p.list("status") {
		st := domain.Status(s)
		if !st.Valid() {
			p.fail("status", "Unknown status: "+s)
			continue
		}
		f.Statuses = append(f.Statuses, st)
	}
	if v := p.str("priority"); v != "" {
		f.Priority = domain.Priority(v)
		if !f.Priority.Valid() {
			p.fail("priority", "Unknown priority: "+v)
		}
	}
	if v := p.str("type"); v != "" {
		f.Type = domain.Type(v)
		if !f.Type.Valid() {
			p.fail("type", "Unknown reminder type: "+v)
		}
	}
	if v := p.str("channel"); v != "" {
		f.Channel = domain.Channel(v)
		if !f.Channel.Valid() {
			p.fail("channel", "Unknown delivery channel: "+v)
		}
	}
	return f
}

// parseSort reads sortBy and order (asc|desc). Descending is the default order.
func parseSort(p *queryParser) store.Sort {
	so := store.Sort{Field: store.SortCreatedAt}
	if v := p.str("sortBy"); v != "" {
		so.Field = store.SortField(v)
		if !so.Field.Valid() {
			p.fail("sortBy", "Unknown sort field: "+v)
		}
	}
	switch strings.ToLower(p.str("order")) {
	case "", "desc":
		so.Desc = true
	case "asc":
	default:
		p.fail("order", "Order must be asc or desc")
	}
	return so
}

func parsePage(p *queryParser) store.Page {
	return store.Page{Page: p.integer("page"), Limit: p.integer("limit")}
}
