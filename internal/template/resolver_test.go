package template

import (
	"reflect"
	"testing"

	"github.com/flowsendhq/flowsend/internal/models"
)

func TestResolveOrder(t *testing.T) {
	recipient := models.Recipient{
		ID:     "r1",
		Fields: map[string]string{"first_name": "Ada", "city": "London"},
	}
	vars := []models.TemplateVariable{
		{Source: models.VariableSourceRecipientField, FieldName: "first_name", FallbackValue: "there"},
		{Source: models.VariableSourceCustomText, Value: "20% off"},
		{Source: models.VariableSourceRecipientField, FieldName: "city"},
	}
	got := Resolve(vars, recipient)
	want := []string{"Ada", "20% off", "London"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveIsTotal(t *testing.T) {
	cases := []struct {
		name     string
		variable models.TemplateVariable
		fields   map[string]string
		want     string
	}{
		{"field present", models.TemplateVariable{Source: models.VariableSourceRecipientField, FieldName: "a", FallbackValue: "fb"}, map[string]string{"a": "v"}, "v"},
		{"field empty uses fallback", models.TemplateVariable{Source: models.VariableSourceRecipientField, FieldName: "a", FallbackValue: "fb"}, map[string]string{"a": ""}, "fb"},
		{"field missing uses fallback", models.TemplateVariable{Source: models.VariableSourceRecipientField, FieldName: "a", FallbackValue: "fb"}, nil, "fb"},
		{"field and fallback empty", models.TemplateVariable{Source: models.VariableSourceRecipientField, FieldName: "a"}, nil, ""},
		{"custom text verbatim", models.TemplateVariable{Source: models.VariableSourceCustomText, Value: " hi "}, nil, " hi "},
		{"custom text empty", models.TemplateVariable{Source: models.VariableSourceCustomText}, nil, ""},
		{"unknown source", models.TemplateVariable{Source: models.VariableSource("magic")}, nil, ""},
	}
	for _, c := range cases {
		got := Resolve([]models.TemplateVariable{c.variable}, models.Recipient{Fields: c.fields})
		if len(got) != 1 || got[0] != c.want {
			t.Errorf("%s: Resolve = %v, want [%q]", c.name, got, c.want)
		}
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	recipient := models.Recipient{Fields: map[string]string{"name": "Grace"}}
	vars := []models.TemplateVariable{
		{Source: models.VariableSourceRecipientField, FieldName: "name"},
	}
	first := Resolve(vars, recipient)
	second := Resolve(vars, recipient)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results, got %v then %v", first, second)
	}
}

func TestRender(t *testing.T) {
	body := "Hi {{1}}, enjoy {{2}} in {{3}}!"
	got := Render(body, []string{"Ada", "20% off", "London"})
	want := "Hi Ada, enjoy 20% off in London!"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}
