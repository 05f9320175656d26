package render

import (
	"regexp"
	"strings"

	"reminders/internal/domain"
)

// A name is anything between the braces except more braces, spaces included.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Render replaces every {{name}} placeholder with vars[name]. Placeholders without a
// matching variable are left in the output as written; there is no escaping.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the distinct variable names used by tmpl in order of first use.
func Placeholders(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Rendered is a stored template filled in for one reminder.
type Rendered struct {
	Title   string
	Message string
	// Variables are the caller's values merged with declared defaults.
	Variables map[string]string
}

// RenderTemplate fills a stored template. Declared defaults apply to variables the caller
// omitted; required variables still missing afterwards are reported as a validation error.
func RenderTemplate(t domain.Template, vars map[string]string) (Rendered, error) {
	merged := make(map[string]string, len(vars)+len(t.Variables))
	for _, v := range t.Variables {
		if v.DefaultValue != "" {
			merged[v.Name] = v.DefaultValue
		}
	}
	for k, v := range vars {
		merged[k] = v
	}

	ve := &domain.ValidationError{}
	for _, v := range t.Variables {
		if v.Required && strings.TrimSpace(merged[v.Name]) == "" {
			ve.Fields = append(ve.Fields, domain.FieldError{
				Field:   "variables." + v.Name,
				Message: "Variable " + v.Name + " is required",
			})
		}
	}
	if err := ve.OrNil(); err != nil {
		return Rendered{}, err
	}

	return Rendered{
		Title:     Render(t.TitleTemplate, merged),
		Message:   Render(t.MessageTemplate, merged),
		Variables: merged,
	}, nil
}
