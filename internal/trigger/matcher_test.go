package trigger

import (
	"testing"
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
)

func TestMatchesModes(t *testing.T) {
	cases := []struct {
		mode    models.TriggerMode
		trigger string
		text    string
		want    bool
	}{
		{models.TriggerIncludesIgnoreCase, "hello", "Hello there", true},
		{models.TriggerIncludesIgnoreCase, "hello", "say HELLO!", true},
		{models.TriggerIncludesIgnoreCase, "hello", "goodbye", false},
		{models.TriggerIncludesMatchCase, "Hello", "well Hello there", true},
		{models.TriggerIncludesMatchCase, "Hello", "well hello there", false},
		{models.TriggerExactIgnoreCase, "hello", "  HELLO  ", true},
		{models.TriggerExactIgnoreCase, "hello", "hello there", false},
		{models.TriggerExactMatchCase, "Hello", " Hello ", true},
		{models.TriggerExactMatchCase, "Hello", "hello", false},
	}
	for _, c := range cases {
		cond := models.TriggerCondition{Mode: c.mode, Text: c.trigger}
		if got := Matches(cond, c.text); got != c.want {
			t.Errorf("Matches(%s, %q, %q) = %v, want %v", c.mode, c.trigger, c.text, got, c.want)
		}
	}
}

func flowWith(id string, mode models.TriggerMode, text string, activatedAt time.Time) models.FlowDefinition {
	return models.FlowDefinition{
		ID:          id,
		TenantID:    "tenant-1",
		Trigger:     models.TriggerCondition{Mode: mode, Text: text},
		IsActive:    true,
		ActivatedAt: activatedAt,
	}
}

func TestMatchTieBreakByRecency(t *testing.T) {
	older := flowWith("older", models.TriggerIncludesIgnoreCase, "hello", time.Now().Add(-time.Hour))
	newer := flowWith("newer", models.TriggerIncludesIgnoreCase, "hell", time.Now())

	got, ok := Match([]models.FlowDefinition{older, newer}, "hello world")
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "newer" {
		t.Errorf("expected most recently activated flow to win, got %s", got.ID)
	}
}

func TestMatchDefaultFallback(t *testing.T) {
	def := flowWith("default", models.TriggerIncludesIgnoreCase, "", time.Now())
	hello := flowWith("hello", models.TriggerExactIgnoreCase, "hello", time.Now())

	got, ok := Match([]models.FlowDefinition{def, hello}, "something unrelated")
	if !ok || got.ID != "default" {
		t.Errorf("expected default flow, got %+v ok=%v", got, ok)
	}

	got, ok = Match([]models.FlowDefinition{def, hello}, "hello")
	if !ok || got.ID != "hello" {
		t.Errorf("expected explicit trigger to beat default, got %+v ok=%v", got, ok)
	}
}

func TestMatchNoFlows(t *testing.T) {
	inactive := flowWith("off", models.TriggerIncludesIgnoreCase, "hello", time.Now())
	inactive.IsActive = false

	if got, ok := Match([]models.FlowDefinition{inactive}, "hello"); ok {
		t.Errorf("expected no match for inactive flow, got %+v", got)
	}
	if got, ok := Match(nil, "hello"); ok {
		t.Errorf("expected no match for empty flow set, got %+v", got)
	}
}
