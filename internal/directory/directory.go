// Package directory loads the recipient contact book and the template catalog from YAML
// files.
package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"reminders/internal/channel"
	"reminders/internal/domain"
	"reminders/internal/util"
)

// CatalogActor is recorded as the creator of templates seeded from the catalog.
const CatalogActor = "catalog"

type recipientsFile struct {
	Recipients []channel.Contact `yaml:"recipients"`
}

type catalogFile struct {
	Templates []domain.Template `yaml:"templates"`
}

// decodeStrict rejects unknown keys so a typo in a field name fails at startup.
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadRecipients reads a contact book of the form
//
//	recipients:
//	  - id: u1
//	    name: Ada
//	    email: ada@example.org
//	    phone: "+15551234567"
func LoadRecipients(path string) (channel.StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	return ParseRecipients(data)
}

func ParseRecipients(data []byte) (channel.StaticResolver, error) {
	var f recipientsFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	out := make(channel.StaticResolver, len(f.Recipients))
	for i, c := range f.Recipients {
		c.RecipientID = strings.TrimSpace(c.RecipientID)
		if c.RecipientID == "" {
			return nil, fmt.Errorf("recipient #%d has no id", i+1)
		}
		if _, dup := out[c.RecipientID]; dup {
			return nil, fmt.Errorf("recipient %s listed twice", c.RecipientID)
		}
		if c.Phone != "" {
			c.Phone = util.NormalizePhone(c.Phone)
		}
		out[c.RecipientID] = c
	}
	return out, nil
}

func LoadTemplates(path string) ([]domain.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes a catalog. Every template needs a stable id so re-seeding updates
// it in place.
func ParseTemplates(data []byte) ([]domain.Template, error) {
	var f catalogFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	seen := map[string]bool{}
	for i, t := range f.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template #%d (%q) has no id", i+1, t.Name)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("template %s listed twice", t.ID)
		}
		seen[t.ID] = true
	}
	return f.Templates, nil
}

type TemplateUpserter interface {
	UpsertTemplate(ctx context.Context, t domain.Template) (domain.Template, error)
}

// Seed upserts every catalog template, filling defaults the file may omit.
func Seed(ctx context.Context, s TemplateUpserter, ts []domain.Template, now time.Time) error {
	for _, t := range ts {
		if t.Type == "" {
			t.Type = domain.TypeCustom
		}
		if t.Priority == "" {
			t.Priority = domain.PriorityMedium
		}
		if t.Frequency == "" {
			t.Frequency = domain.FrequencyOnce
		}
		t.CreatedBy = CatalogActor
		t.CreatedAt = now
		t.UpdatedAt = now
		if _, err := s.UpsertTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	return nil
}
