package flowdoc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The transformation pipeline runs on the generic JSON tree, not the typed
// model: editor metadata lives in keys the typed model never sees, and the
// Form flatten rewrites array arity in place.

const (
	internalPrefix = "_"
	// __example__ carries sample values the remote schema consumes, so it
	// survives the strip even though it matches the internal prefix.
	exampleKey = "__example__"
)

// ParseTree decodes raw document text into a generic JSON tree.
func ParseTree(data []byte) (any, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse flow document: %w", err)
	}
	return tree, nil
}

// ToSubmission derives the submission document sent to the remote platform:
// internal keys stripped, Form wrappers flattened.
func ToSubmission(tree any) any {
	return FlattenForms(StripInternal(tree))
}

// StripInternal reconstructs the tree without editor-only keys (those starting
// with the internal prefix), keeping the whitelisted example key. Primitives
// pass through unchanged.
func StripInternal(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, val := range node {
			if strings.HasPrefix(key, internalPrefix) && key != exampleKey {
				continue
			}
			out[key] = StripInternal(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(node))
		for _, val := range node {
			out = append(out, StripInternal(val))
		}
		return out
	default:
		return v
	}
}

// FlattenForms replaces every Form node with its own children, spliced into
// the parent array. The remote submission validator resolves field references
// more strictly inside a Form wrapper than the preview validator does, so the
// wrapper must not survive submission.
func FlattenForms(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, val := range node {
			out[key] = FlattenForms(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(node))
		for _, val := range node {
			flattened := FlattenForms(val)
			if m, ok := flattened.(map[string]any); ok && m["type"] == string(TypeForm) {
				if children, ok := m["children"].([]any); ok {
					out = append(out, children...)
				}
				continue
			}
			out = append(out, flattened)
		}
		return out
	default:
		return v
	}
}

// IsDynamic reports whether any action in the tree names the reserved
// round-trip action. Dynamic flows need a callback endpoint and an encryption
// key before the platform will accept them.
func IsDynamic(v any) bool {
	found := false
	walkActions(v, func(action map[string]any) {
		if action["name"] == ActionDataExchange {
			found = true
		}
	})
	return found
}

// NeedsEndpoint reports whether the document requires a callback endpoint:
// either it is dynamic or it declares a routing/data-API marker.
func NeedsEndpoint(v any) bool {
	if IsDynamic(v) {
		return true
	}
	if m, ok := v.(map[string]any); ok {
		if _, ok := m["routing_model"]; ok {
			return true
		}
		if _, ok := m["data_api_version"]; ok {
			return true
		}
	}
	return false
}

func walkActions(v any, fn func(map[string]any)) {
	switch node := v.(type) {
	case map[string]any:
		for key, val := range node {
			if key == "on-click-action" || key == "on-select-action" {
				if action, ok := val.(map[string]any); ok {
					fn(action)
				}
			}
			walkActions(val, fn)
		}
	case []any:
		for _, val := range node {
			walkActions(val, fn)
		}
	}
}

// --- diagnostic-only scans; attached to failure reports, never gating ---

// CountForms returns the number of Form wrapper nodes anywhere in the tree.
func CountForms(v any) int {
	count := 0
	switch node := v.(type) {
	case map[string]any:
		if node["type"] == string(TypeForm) {
			count++
		}
		for _, val := range node {
			count += CountForms(val)
		}
	case []any:
		for _, val := range node {
			count += CountForms(val)
		}
	}
	return count
}

// NavigateStats counts navigate actions with and without a payload.
type NavigateStats struct {
	WithPayload    int `json:"with_payload"`
	WithoutPayload int `json:"without_payload"`
}

func CountNavigateActions(v any) NavigateStats {
	var stats NavigateStats
	walkActions(v, func(action map[string]any) {
		if action["name"] != "navigate" {
			return
		}
		if payload, ok := action["payload"].(map[string]any); ok && len(payload) > 0 {
			stats.WithPayload++
		} else {
			stats.WithoutPayload++
		}
	})
	return stats
}

// Summary is a structural digest for operator telemetry.
type Summary struct {
	ScreenIDs     []string          `json:"screen_ids"`
	LayoutKinds   []string          `json:"layout_kinds"`
	Components    map[string]int    `json:"components"`
	FooterPayload map[string]string `json:"footer_payload,omitempty"`
	FormsBefore   int               `json:"forms_before_flatten"`
	FormsAfter    int               `json:"forms_after_flatten"`
	Navigates     NavigateStats     `json:"navigate_actions"`
}

// Summarize digests the authoring tree. The flattened counterpart is derived
// internally so the before/after form counts always describe the same input.
func Summarize(tree any) Summary {
	s := Summary{
		Components:    map[string]int{},
		FooterPayload: map[string]string{},
		FormsBefore:   CountForms(tree),
		Navigates:     CountNavigateActions(tree),
	}
	s.FormsAfter = CountForms(FlattenForms(tree))
	root, ok := tree.(map[string]any)
	if !ok {
		return s
	}
	screens, _ := root["screens"].([]any)
	for _, sc := range screens {
		screen, ok := sc.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := screen["id"].(string); ok {
			s.ScreenIDs = append(s.ScreenIDs, id)
		}
		layout, _ := screen["layout"].(map[string]any)
		if kind, ok := layout["type"].(string); ok {
			s.LayoutKinds = append(s.LayoutKinds, kind)
		}
		children, _ := layout["children"].([]any)
		summarizeComponents(children, screen, s.Components, s.FooterPayload)
	}
	return s
}

func summarizeComponents(children []any, screen map[string]any, histogram map[string]int, footerPayload map[string]string) {
	for _, child := range children {
		c, ok := child.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := c["type"].(string)
		histogram[kind]++
		if kind == string(TypeFooter) {
			screenID, _ := screen["id"].(string)
			footerPayload[screenID] = footerActionShape(c)
		}
		if nested, ok := c["children"].([]any); ok {
			summarizeComponents(nested, screen, histogram, footerPayload)
		}
	}
}

func footerActionShape(footer map[string]any) string {
	action, ok := footer["on-click-action"].(map[string]any)
	if !ok {
		return "missing"
	}
	payload, ok := action["payload"].(map[string]any)
	if !ok || len(payload) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	return fmt.Sprintf("%d keys", len(keys))
}
