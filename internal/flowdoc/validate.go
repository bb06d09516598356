package flowdoc

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ValidationIssue locates one problem in the document tree. Path is a
// dotted/bracketed locator, e.g. screens[0].layout.children[2].name.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult collects every issue found in one walk. Warnings never
// block submission; IsValid holds iff Errors is empty.
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

var snakeCaseRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateJSON validates raw document text. Unparsable input yields a single
// top-level error rather than a panic or an error return: validation is total.
func ValidateJSON(data []byte) ValidationResult {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return ValidationResult{
			Errors: []ValidationIssue{{Path: "", Message: fmt.Sprintf("document is not a valid JSON object: %v", err)}},
		}
	}
	return Validate(doc)
}

// Validate walks the document depth-first and reports every issue it finds.
// It never mutates the document and never short-circuits across siblings.
func Validate(doc Document) ValidationResult {
	w := &walker{}
	if doc.Version == "" {
		w.errorf("version", "version is required")
	}
	if len(doc.Screens) == 0 {
		w.errorf("screens", "at least one screen is required")
	}
	seenScreens := map[string]bool{}
	for i, screen := range doc.Screens {
		base := fmt.Sprintf("screens[%d]", i)
		if screen.ID == "" {
			w.errorf(base+".id", "screen id is required")
		} else if seenScreens[screen.ID] {
			w.errorf(base+".id", fmt.Sprintf("duplicate screen id %q", screen.ID))
		}
		seenScreens[screen.ID] = true
		w.validateScreen(base, screen)
	}
	res := ValidationResult{Errors: w.errors, Warnings: w.warnings}
	res.IsValid = len(res.Errors) == 0
	return res
}

type walker struct {
	errors   []ValidationIssue
	warnings []ValidationIssue
}

func (w *walker) errorf(path, msg string) {
	w.errors = append(w.errors, ValidationIssue{Path: path, Message: msg})
}

func (w *walker) warnf(path, msg string) {
	w.warnings = append(w.warnings, ValidationIssue{Path: path, Message: msg})
}

// screenState is the walk state threaded through one screen's subtree: input
// names seen so far and how many footers have appeared.
type screenState struct {
	screenID string
	names    map[string]bool
	footers  int
}

func (w *walker) validateScreen(base string, screen Screen) {
	layoutPath := base + ".layout"
	if screen.Layout.Type != layoutSingleColumn {
		w.errorf(layoutPath+".type", fmt.Sprintf("layout type must be %q, got %q", layoutSingleColumn, screen.Layout.Type))
	}
	if len(screen.Layout.Children) > softChildLimit {
		w.warnf(layoutPath+".children", fmt.Sprintf("screen has %d components; more than %d may render slowly", len(screen.Layout.Children), softChildLimit))
	}
	st := &screenState{screenID: screen.ID, names: map[string]bool{}}
	w.validateChildren(layoutPath+".children", screen.Layout.Children, st)
}

func (w *walker) validateChildren(base string, children []Component, st *screenState) {
	for i, c := range children {
		w.validateComponent(fmt.Sprintf("%s[%d]", base, i), c, st)
	}
}

func (w *walker) validateComponent(path string, c Component, st *screenState) {
	if c.Type == "" {
		w.errorf(path+".type", "component type is required")
		return
	}
	if renamed, ok := legacyTypes[string(c.Type)]; ok {
		w.errorf(path+".type", fmt.Sprintf("component type %q was renamed; use %q instead", c.Type, renamed))
		return
	}

	switch c.Type {
	case TypeTextHeading, TypeTextSubheading, TypeTextBody, TypeTextCaption, TypeRichText:
		w.validateText(path, c)
	case TypeTextInput, TypeTextArea, TypeDatePicker, TypeCalendarPicker:
		w.validateInputName(path, c, st)
		w.requireLabel(path, c)
	case TypeCheckboxGroup, TypeRadioButtonsGroup, TypeDropdown:
		w.validateInputName(path, c, st)
		w.requireLabel(path, c)
		w.validateDataSource(path, c)
	case TypeOptIn:
		// OptIn carries consent text instead of a label.
		w.validateInputName(path, c, st)
	case TypeEmbeddedLink:
		if len(c.Text) == 0 {
			w.errorf(path+".text", "EmbeddedLink requires text")
		}
	case TypeImage:
		if c.Src == "" {
			w.errorf(path+".src", "Image requires src")
		}
	case TypeFooter:
		st.footers++
		if st.footers > 1 {
			w.errorf(path, fmt.Sprintf("screen %q has more than one Footer", st.screenID))
		}
		if c.Label == "" {
			w.errorf(path+".label", "Footer requires a label")
		}
		if c.OnClickAction == nil {
			w.errorf(path+".on-click-action", "Footer requires an on-click-action")
		} else if c.OnClickAction.Name == "" {
			w.errorf(path+".on-click-action.name", "on-click-action requires a non-empty name")
		}
	case TypeForm:
		if c.Name != "" {
			w.errorf(path+".name", "Form components do not take a name")
		}
		if c.Label != "" {
			w.errorf(path+".label", "Form components do not take a label")
		}
		w.validateChildren(path+".children", c.Children, st)
	case TypeIf:
		if len(c.Then) == 0 {
			w.errorf(path+".then", "If requires at least one component in then")
		}
		w.validateChildren(path+".then", c.Then, st)
		w.validateChildren(path+".else", c.Else, st)
	case TypeSwitch:
		if len(c.Cases) == 0 {
			w.errorf(path+".cases", "Switch requires at least one case")
		}
		for key, branch := range c.Cases {
			w.validateChildren(fmt.Sprintf("%s.cases[%q]", path, key), branch, st)
		}
	default:
		w.errorf(path+".type", fmt.Sprintf("unsupported component type %q", c.Type))
	}
}

func (w *walker) validateText(path string, c Component) {
	if len(c.Text) == 0 {
		w.errorf(path+".text", fmt.Sprintf("%s requires text", c.Type))
		return
	}
	var asString string
	if err := json.Unmarshal(c.Text, &asString); err == nil {
		return
	}
	var asList []string
	if err := json.Unmarshal(c.Text, &asList); err == nil {
		return
	}
	w.errorf(path+".text", "text must be a string or a list of strings")
}

func (w *walker) validateInputName(path string, c Component, st *screenState) {
	if c.Name == "" {
		w.errorf(path+".name", fmt.Sprintf("%s requires a name", c.Type))
		return
	}
	if st.names[c.Name] {
		w.errorf(path+".name", fmt.Sprintf("duplicate component name %q on screen %q", c.Name, st.screenID))
	}
	st.names[c.Name] = true
	if !snakeCaseRe.MatchString(c.Name) {
		w.warnf(path+".name", fmt.Sprintf("name %q should be snake_case", c.Name))
	}
}

func (w *walker) requireLabel(path string, c Component) {
	if c.Label == "" {
		w.errorf(path+".label", fmt.Sprintf("%s requires a label", c.Type))
	}
}

// validateDataSource accepts either a literal ordered list of {id,title} pairs
// or a string expression bound at runtime. The legacy "options" field is
// rejected with a rename hint.
func (w *walker) validateDataSource(path string, c Component) {
	if len(c.RawOptions) > 0 {
		w.errorf(path+".options", `"options" is no longer supported; rename it to "data-source"`)
	}
	if len(c.DataSource) == 0 {
		if len(c.RawOptions) == 0 {
			w.errorf(path+".data-source", fmt.Sprintf("%s requires a data-source", c.Type))
		}
		return
	}
	var expr string
	if err := json.Unmarshal(c.DataSource, &expr); err == nil {
		if expr == "" {
			w.errorf(path+".data-source", "data-source expression must not be empty")
		}
		return
	}
	var opts []DataSourceOption
	if err := json.Unmarshal(c.DataSource, &opts); err != nil {
		w.errorf(path+".data-source", "data-source must be a list of {id, title} pairs or a binding expression")
		return
	}
	for i, opt := range opts {
		if opt.ID == "" {
			w.errorf(fmt.Sprintf("%s.data-source[%d].id", path, i), "option id is required")
		}
		if opt.Title == "" {
			w.errorf(fmt.Sprintf("%s.data-source[%d].title", path, i), "option title is required")
		}
	}
}
