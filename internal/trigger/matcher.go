// Package trigger decides which flow, if any, an inbound message activates.
package trigger

import (
	"log/slog"
	"strings"

	"github.com/flowsendhq/flowsend/internal/models"
)

// Matches tests an inbound text against a single trigger condition. Includes
// modes test substring containment; exact modes compare the trimmed inbound
// text. The IgnoreCase modes fold case on both sides.
func Matches(cond models.TriggerCondition, text string) bool {
	if cond.IsDefault() {
		return false
	}
	trigger := cond.Text
	candidate := text
	switch cond.Mode {
	case models.TriggerIncludesIgnoreCase:
		return strings.Contains(strings.ToLower(candidate), strings.ToLower(trigger))
	case models.TriggerIncludesMatchCase:
		return strings.Contains(candidate, trigger)
	case models.TriggerExactIgnoreCase:
		return strings.EqualFold(strings.TrimSpace(candidate), trigger)
	case models.TriggerExactMatchCase:
		return strings.TrimSpace(candidate) == trigger
	default:
		return false
	}
}

// Match selects the single flow to execute for an inbound message from the
// tenant's active flows. When several non-default triggers match, the most
// recently activated flow wins, which keeps the outcome deterministic. When
// none match, the tenant's default (empty-trigger) flow is returned if one is
// active; otherwise there is no match and the message is not auto-replied.
func Match(flows []models.FlowDefinition, text string) (*models.FlowDefinition, bool) {
	var best *models.FlowDefinition
	var fallback *models.FlowDefinition

	for i := range flows {
		f := &flows[i]
		if !f.IsActive {
			continue
		}
		if f.Trigger.IsDefault() {
			if fallback == nil || f.ActivatedAt.After(fallback.ActivatedAt) {
				fallback = f
			}
			continue
		}
		if !Matches(f.Trigger, text) {
			continue
		}
		if best == nil || f.ActivatedAt.After(best.ActivatedAt) {
			best = f
		}
	}

	if best != nil {
		slog.Debug("trigger matched flow", "flowID", best.ID, "mode", best.Trigger.Mode)
		return best, true
	}
	if fallback != nil {
		slog.Debug("trigger fell back to default flow", "flowID", fallback.ID)
		return fallback, true
	}
	return nil, false
}
