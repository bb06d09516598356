// Package formspec compiles a simple flat form description into a full flow
// document. The publisher uses it to regenerate broken submission caches for
// legacy records; the CLI uses it to bootstrap new flows.
package formspec

import (
	"encoding/json"
	"fmt"
)

// DocumentVersion is the document-grammar version emitted by the compiler.
const DocumentVersion = "7.2"

// Spec is the higher-level form description: one screen, a flat field list,
// a footer.
type Spec struct {
	Name        string  `json:"name"`
	Title       string  `json:"title,omitempty"`
	Fields      []Field `json:"fields"`
	FooterLabel string  `json:"footer_label,omitempty"`
}

type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type" enum:"text,textarea,select,checkbox,radio,date,optin"`
	Required bool     `json:"required,omitempty"`
	Options  []Option `json:"options,omitempty"`
}

type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

var fieldComponentTypes = map[string]string{
	"text":     "TextInput",
	"textarea": "TextArea",
	"select":   "Dropdown",
	"checkbox": "CheckboxGroup",
	"radio":    "RadioButtonsGroup",
	"date":     "DatePicker",
	"optin":    "OptIn",
}

// Parse decodes and validates a spec.
func Parse(data []byte) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse form spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("form spec requires at least one field")
	}
	seen := map[string]bool{}
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("fields[%d]: name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("fields[%d]: duplicate field name %q", i, f.Name)
		}
		seen[f.Name] = true
		kind, ok := fieldComponentTypes[f.Type]
		if !ok {
			return fmt.Errorf("fields[%d]: unknown field type %q", i, f.Type)
		}
		if needsOptions(kind) && len(f.Options) == 0 {
			return fmt.Errorf("fields[%d]: field type %q requires options", i, f.Type)
		}
	}
	return nil
}

// Compile builds the flow document tree for the spec: a single screen with
// one component per field and a completing footer.
func Compile(s Spec) (map[string]any, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	children := make([]any, 0, len(s.Fields)+2)
	if s.Title != "" {
		children = append(children, map[string]any{
			"type": "TextHeading",
			"text": s.Title,
		})
	}
	for _, f := range s.Fields {
		children = append(children, compileField(f))
	}
	footerLabel := s.FooterLabel
	if footerLabel == "" {
		footerLabel = "Submit"
	}
	children = append(children, map[string]any{
		"type":  "Footer",
		"label": footerLabel,
		"on-click-action": map[string]any{
			"name":    "complete",
			"payload": completionPayload(s.Fields),
		},
	})
	return map[string]any{
		"version": DocumentVersion,
		"screens": []any{
			map[string]any{
				"id":    "FORM",
				"title": s.Title,
				"layout": map[string]any{
					"type":     "SingleColumnLayout",
					"children": children,
				},
			},
		},
	}, nil
}

func compileField(f Field) map[string]any {
	kind := fieldComponentTypes[f.Type]
	c := map[string]any{
		"type": kind,
		"name": f.Name,
	}
	if kind != "OptIn" {
		c["label"] = f.Label
	}
	if f.Required {
		c["required"] = true
	}
	if needsOptions(kind) {
		opts := make([]any, 0, len(f.Options))
		for _, o := range f.Options {
			opts = append(opts, map[string]any{"id": o.ID, "title": o.Title})
		}
		c["data-source"] = opts
	}
	return c
}

func completionPayload(fields []Field) map[string]any {
	payload := make(map[string]any, len(fields))
	for _, f := range fields {
		payload[f.Name] = fmt.Sprintf("${form.%s}", f.Name)
	}
	return payload
}

func needsOptions(kind string) bool {
	switch kind {
	case "Dropdown", "CheckboxGroup", "RadioButtonsGroup":
		return true
	}
	return false
}
