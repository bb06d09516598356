package formspec

import (
	"encoding/json"
	"strings"
	"testing"

	"flowdeck/internal/flowdoc"
)

func sampleSpec() Spec {
	return Spec{
		Name:  "contact",
		Title: "Contact us",
		Fields: []Field{
			{Name: "full_name", Label: "Full name", Type: "text", Required: true},
			{Name: "topic", Label: "Topic", Type: "select", Options: []Option{
				{ID: "sales", Title: "Sales"},
				{ID: "support", Title: "Support"},
			}},
			{Name: "updates", Label: "", Type: "optin"},
		},
	}
}

func TestParseRejectsBadSpecs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"no fields", `{"name":"x","fields":[]}`, "at least one field"},
		{"missing field name", `{"fields":[{"label":"A","type":"text"}]}`, "name is required"},
		{"duplicate names", `{"fields":[{"name":"a","label":"A","type":"text"},{"name":"a","label":"B","type":"text"}]}`, "duplicate field name"},
		{"unknown type", `{"fields":[{"name":"a","label":"A","type":"slider"}]}`, "unknown field type"},
		{"select without options", `{"fields":[{"name":"a","label":"A","type":"select"}]}`, "requires options"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestCompileProducesValidDocument(t *testing.T) {
	doc, err := Compile(sampleSpec())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res := flowdoc.ValidateJSON(data)
	if !res.IsValid {
		t.Fatalf("compiled document must pass local validation: %+v", res.Errors)
	}
}

func TestCompileShape(t *testing.T) {
	doc, err := Compile(sampleSpec())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if doc["version"] != DocumentVersion {
		t.Errorf("version = %v", doc["version"])
	}
	screens := doc["screens"].([]any)
	if len(screens) != 1 {
		t.Fatalf("expected one screen, got %d", len(screens))
	}
	screen := screens[0].(map[string]any)
	if screen["id"] != "FORM" {
		t.Errorf("screen id = %v", screen["id"])
	}
	children := screen["layout"].(map[string]any)["children"].([]any)
	// heading + 3 fields + footer
	if len(children) != 5 {
		t.Fatalf("expected 5 children, got %d", len(children))
	}
	first := children[0].(map[string]any)
	if first["type"] != "TextHeading" || first["text"] != "Contact us" {
		t.Errorf("heading = %+v", first)
	}
	optin := children[3].(map[string]any)
	if optin["type"] != "OptIn" {
		t.Errorf("optin = %+v", optin)
	}
	if _, ok := optin["label"]; ok {
		t.Error("OptIn components do not take a label")
	}
	footer := children[4].(map[string]any)
	if footer["type"] != "Footer" || footer["label"] != "Submit" {
		t.Errorf("footer = %+v", footer)
	}
	payload := footer["on-click-action"].(map[string]any)["payload"].(map[string]any)
	if payload["full_name"] != "${form.full_name}" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload) != 3 {
		t.Errorf("payload must bind every field, got %+v", payload)
	}
}

func TestCompileFieldKinds(t *testing.T) {
	for specType, kind := range fieldComponentTypes {
		f := Field{Name: "f", Label: "F", Type: specType}
		if specType == "select" || specType == "checkbox" || specType == "radio" {
			f.Options = []Option{{ID: "a", Title: "A"}}
		}
		c := compileField(f)
		if c["type"] != kind {
			t.Errorf("field type %q compiled to %v, want %v", specType, c["type"], kind)
		}
	}
}

func TestCompileCustomFooterLabel(t *testing.T) {
	spec := sampleSpec()
	spec.FooterLabel = "Send it"
	doc, err := Compile(spec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	children := doc["screens"].([]any)[0].(map[string]any)["layout"].(map[string]any)["children"].([]any)
	footer := children[len(children)-1].(map[string]any)
	if footer["label"] != "Send it" {
		t.Errorf("footer label = %v", footer["label"])
	}
}
