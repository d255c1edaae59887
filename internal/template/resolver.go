// Package template resolves positional template variables for outbound sends.
//
// WhatsApp template placeholders are positional ({{1}}, {{2}}, ...), so the
// resolver returns one string per declared variable, in declaration order.
package template

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/flowsendhq/flowsend/internal/models"
)

// Resolve fills each template variable from the recipient record. Resolution
// is pure and total: custom_text variables yield their literal value,
// recipient_field variables fall back to the declared fallback and finally to
// the empty string. Identical inputs always produce identical output, so a
// retry may safely re-resolve.
func Resolve(vars []models.TemplateVariable, recipient models.Recipient) []string {
	resolved := make([]string, len(vars))
	for i, v := range vars {
		resolved[i] = resolveOne(v, recipient)
	}
	return resolved
}

func resolveOne(v models.TemplateVariable, recipient models.Recipient) string {
	switch v.Source {
	case models.VariableSourceCustomText:
		return v.Value
	case models.VariableSourceRecipientField:
		if val, ok := recipient.Fields[v.FieldName]; ok && val != "" {
			return val
		}
		if v.FallbackValue != "" {
			return v.FallbackValue
		}
		// Resolution gap: not an error, but operators want to know.
		slog.Warn("template variable resolved empty", "field", v.FieldName, "recipient", recipient.ID)
		return ""
	default:
		slog.Warn("template variable has unknown source, resolving empty", "source", v.Source)
		return ""
	}
}

// Render substitutes resolved values into a body containing positional
// {{1}}..{{n}} placeholders.
func Render(body string, resolved []string) string {
	out := body
	for i, val := range resolved {
		placeholder := "{{" + strconv.Itoa(i+1) + "}}"
		out = strings.ReplaceAll(out, placeholder, val)
	}
	return out
}
