package flowdoc

import (
	"encoding/json"
	"fmt"
)

// ComponentType tags a node in the component tree. The set is closed: the
// validator switches exhaustively over these and rejects anything else.
type ComponentType string

const (
	TypeTextHeading       ComponentType = "TextHeading"
	TypeTextSubheading    ComponentType = "TextSubheading"
	TypeTextBody          ComponentType = "TextBody"
	TypeTextCaption       ComponentType = "TextCaption"
	TypeRichText          ComponentType = "RichText"
	TypeTextInput         ComponentType = "TextInput"
	TypeTextArea          ComponentType = "TextArea"
	TypeCheckboxGroup     ComponentType = "CheckboxGroup"
	TypeRadioButtonsGroup ComponentType = "RadioButtonsGroup"
	TypeDropdown          ComponentType = "Dropdown"
	TypeDatePicker        ComponentType = "DatePicker"
	TypeCalendarPicker    ComponentType = "CalendarPicker"
	TypeOptIn             ComponentType = "OptIn"
	TypeEmbeddedLink      ComponentType = "EmbeddedLink"
	TypeImage             ComponentType = "Image"
	TypeFooter            ComponentType = "Footer"
	TypeForm              ComponentType = "Form"
	TypeIf                ComponentType = "If"
	TypeSwitch            ComponentType = "Switch"
)

// Renamed legacy kinds. Authors migrating older documents get a corrective
// hint instead of a generic unsupported-type error.
var legacyTypes = map[string]ComponentType{
	"TextEntry":    TypeTextInput,
	"DropdownList": TypeDropdown,
}

const layoutSingleColumn = "SingleColumnLayout"

// softChildLimit is a per-screen recommendation, not a hard rule.
const softChildLimit = 50

// ActionDataExchange is the reserved round-trip action name. A document that
// uses it anywhere requires a callback endpoint and an encryption key.
const ActionDataExchange = "data_exchange"

// Document is the authoring artifact: an ordered list of screens.
type Document struct {
	Version string   `json:"version"`
	Screens []Screen `json:"screens"`

	// Endpoint markers outside the screen tree.
	DataAPIVersion string          `json:"data_api_version,omitempty"`
	RoutingModel   json.RawMessage `json:"routing_model,omitempty"`
}

type Screen struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Layout Layout `json:"layout"`
}

type Layout struct {
	Type     string      `json:"type"`
	Children []Component `json:"children"`
}

// Component is one tagged node. Only the fields relevant to its Type are set;
// the validator decides which are required. RawOptions exists solely to detect
// the rejected legacy "options" field.
type Component struct {
	Type       ComponentType   `json:"type"`
	Name       string          `json:"name,omitempty"`
	Label      string          `json:"label,omitempty"`
	Text       json.RawMessage `json:"text,omitempty"`
	DataSource json.RawMessage `json:"data-source,omitempty"`
	RawOptions json.RawMessage `json:"options,omitempty"`
	Required   *bool           `json:"required,omitempty"`
	Src        string          `json:"src,omitempty"`

	OnClickAction *Action `json:"on-click-action,omitempty"`

	// Structural children.
	Children []Component `json:"children,omitempty"`
	Then     []Component `json:"then,omitempty"`
	Else     []Component `json:"else,omitempty"`
	Cases    map[string][]Component `json:"cases,omitempty"`
}

type Action struct {
	Name    string          `json:"name"`
	Next    json.RawMessage `json:"next,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// DataSourceOption is one literal {id,title} entry of a selection component's
// data-source.
type DataSourceOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Parse decodes a document tree (as produced by the transformation pipeline or
// an authoring surface) into the typed model.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse flow document: %w", err)
	}
	return doc, nil
}

// FromTree converts a generic JSON tree to the typed model.
func FromTree(tree any) (Document, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return Document{}, fmt.Errorf("encode flow tree: %w", err)
	}
	return Parse(data)
}
