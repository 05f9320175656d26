package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reminders/internal/domain"
	"reminders/internal/util"
)

const templateColumns = `id, name, description, type, priority, frequency, channels, title_template,
	message_template, variables, allow_acknowledgment, require_confirmation, escalation_delay,
	active, created_by, created_at, updated_at`

func templateArgs(t domain.Template) ([]any, error) {
	vars := t.Variables
	if vars == nil {
		vars = []domain.TemplateVariable{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode template variables: %w", err)
	}
	return []any{
		t.ID, t.Name, t.Description, string(t.Type), string(t.Priority), string(t.Frequency),
		channelStrings(t.Channels), t.TitleTemplate, t.MessageTemplate, varsJSON,
		t.AllowAcknowledgment, t.RequireConfirmation, t.EscalationDelay, t.Active,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt,
	}, nil
}

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var (
		t                   domain.Template
		typ, priority, freq string
		channels            []string
		varsJSON            []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &typ, &priority, &freq, &channels,
		&t.TitleTemplate, &t.MessageTemplate, &varsJSON, &t.AllowAcknowledgment,
		&t.RequireConfirmation, &t.EscalationDelay, &t.Active, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Template{}, err
	}
	if err := json.Unmarshal(varsJSON, &t.Variables); err != nil {
		return domain.Template{}, fmt.Errorf("decode template variables: %w", err)
	}
	t.Type = domain.Type(typ)
	t.Priority = domain.Priority(priority)
	t.Frequency = domain.Frequency(freq)
	t.Channels = toChannels(channels)
	return t, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if t.ID == "" {
		t.ID = util.NewTemplateID()
	}
	args, err := templateArgs(t)
	if err != nil {
		return domain.Template{}, err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO templates (`+templateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, args...)
	if isUniqueViolation(err) {
		return domain.Template{}, fmt.Errorf("template %s: %w", t.ID, domain.ErrDuplicate)
	}
	if err != nil {
		return domain.Template{}, fmt.Errorf("insert template %s: %w", t.ID, err)
	}
	return t, nil
}

// UpsertTemplate replaces a template by id, keeping the original creator and creation time.
func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if t.ID == "" {
		t.ID = util.NewTemplateID()
	}
	args, err := templateArgs(t)
	if err != nil {
		return domain.Template{}, err
	}
	row := s.DB.QueryRow(ctx, `INSERT INTO templates (`+templateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, description=EXCLUDED.description, type=EXCLUDED.type,
			priority=EXCLUDED.priority, frequency=EXCLUDED.frequency, channels=EXCLUDED.channels,
			title_template=EXCLUDED.title_template, message_template=EXCLUDED.message_template,
			variables=EXCLUDED.variables, allow_acknowledgment=EXCLUDED.allow_acknowledgment,
			require_confirmation=EXCLUDED.require_confirmation, escalation_delay=EXCLUDED.escalation_delay,
			active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
		RETURNING `+templateColumns, args...)
	out, err := scanTemplate(row)
	if err != nil {
		return domain.Template{}, fmt.Errorf("upsert template %s: %w", t.ID, err)
	}
	return out, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	t, err := scanTemplate(s.DB.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Template{}, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+templateColumns+` FROM templates
		WHERE active OR NOT $1 ORDER BY name COLLATE "C", id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Template, error) {
		return scanTemplate(row)
	})
}
