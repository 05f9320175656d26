package render

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/domain"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"name": "Ada", "event.date": "Sat"}
	assert.Equal(t, "Hi Ada, see you Sat", Render("Hi {{name}}, see you {{event.date}}", vars))
	assert.Equal(t, "Hi {{ghost}}", Render("Hi {{ghost}}", vars))
	assert.Equal(t, "{name} stays", Render("{name} stays", vars))
	assert.Equal(t, "no vars {{x}}", Render("no vars {{x}}", nil))
	assert.Equal(t, "Hello John, event {{event}} on {{date}}",
		Render("Hello {{name}}, event {{event}} on {{date}}", map[string]string{"name": "John"}))
}

func TestRenderAcceptsAnyNameWithoutBraces(t *testing.T) {
	vars := map[string]string{"first name": "Ana", "amount$": "20", "café": "Luna"}
	assert.Equal(t, "Ana owes 20 at Luna", Render("{{first name}} owes {{amount$}} at {{café}}", vars))
	assert.Equal(t, "{{}} and {{{first name}}}", Render("{{}} and {{{first name}}}", map[string]string{"x": "y"}))
	assert.Equal(t, []string{"first name", "amount$"}, Placeholders("{{first name}} {{amount$}}"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Placeholders("{{a}} {{b}} {{a}}"))
	assert.Empty(t, Placeholders("plain"))
}

func rentTemplate() domain.Template {
	return domain.Template{
		TitleTemplate:   "Rent due: {{amount}} {{currency}}",
		MessageTemplate: "Please pay {{amount}} by {{date}}",
		Variables: []domain.TemplateVariable{
			{Name: "amount", Required: true},
			{Name: "currency", DefaultValue: "USD"},
			{Name: "date", Required: true, DefaultValue: "Friday"},
		},
	}
}

func TestRenderTemplateMergesDefaults(t *testing.T) {
	out, err := RenderTemplate(rentTemplate(), map[string]string{"amount": "25"})
	require.NoError(t, err)
	assert.Equal(t, "Rent due: 25 USD", out.Title)
	assert.Equal(t, "Please pay 25 by Friday", out.Message)
	assert.Equal(t, map[string]string{"amount": "25", "currency": "USD", "date": "Friday"}, out.Variables)

	out, err = RenderTemplate(rentTemplate(), map[string]string{"amount": "25", "currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "Rent due: 25 EUR", out.Title)
}

func TestRenderTemplateRequiresVariables(t *testing.T) {
	_, err := RenderTemplate(rentTemplate(), map[string]string{"amount": "  "})
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"Variable amount is required"}, ve.Messages())
	assert.Equal(t, "variables.amount", ve.Fields[0].Field)
}
