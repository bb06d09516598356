// Package classify maps the platform's heterogeneous error payloads to a
// bounded set of causes and digs recoverable information out of them.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"flowdeck/internal/platform"
)

// Category is a stable bucket for a remote failure.
type Category string

const (
	CategoryAuth            Category = "auth"
	CategoryPermission      Category = "permission"
	CategoryDuplicateName   Category = "duplicate_name"
	CategoryInvalidDocument Category = "invalid_document"
	CategoryPartialPublish  Category = "partial_publish"
	CategoryRateLimited     Category = "rate_limited"
	CategoryUnknown         Category = "unknown"
)

// Classification is what the operator sees for a remote failure.
type Classification struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Recovery string   `json:"recovery"`

	// RecoveredFlowID is set when a publish partially succeeded and the new
	// resource's id could be pulled out of the error text.
	RecoveredFlowID  string                           `json:"recovered_flow_id,omitempty"`
	ValidationErrors []platform.RemoteValidationError `json:"validation_errors,omitempty"`
}

// DetailsFetcher is the single read call the classifier needs for recovering
// partial-publish state.
type DetailsFetcher interface {
	GetFlowDetails(ctx context.Context, id string) (platform.FlowDetails, error)
}

// Classify buckets an APIError and picks the most specific message available:
// nested validation details, then the user-facing message, then the raw
// message, then the title.
func Classify(apiErr *platform.APIError, operation string) Classification {
	c := Classification{
		Category: CategoryUnknown,
		Message:  bestMessage(apiErr),
		Recovery: "inspect the error payload and retry manually",
	}
	switch {
	case apiErr.Subcode == platform.SubcodeDuplicateName:
		c.Category = CategoryDuplicateName
		c.Recovery = "choose a different flow name"
	case apiErr.Subcode == platform.SubcodePartialPublish:
		c.Category = CategoryPartialPublish
		c.Recovery = "the flow was created but not published; fetch its validation errors and publish again"
	case apiErr.Status == 401 || apiErr.Code == 190:
		c.Category = CategoryAuth
		c.Recovery = "refresh the platform access token"
	case apiErr.Status == 403 || apiErr.Code == 200 || apiErr.Code == 10:
		c.Category = CategoryPermission
		c.Recovery = "grant the token flow management permission for this channel"
	case apiErr.Status == 429 || apiErr.Code == 4 || apiErr.Code == 613:
		c.Category = CategoryRateLimited
		c.Recovery = "wait and retry the " + operation + " call"
	case len(apiErr.ValidationErrors) > 0:
		c.Category = CategoryInvalidDocument
		c.Recovery = "fix the reported document issues and retry"
	case strings.Contains(strings.ToLower(apiErr.Message), "invalid flow json"):
		c.Category = CategoryInvalidDocument
		c.Recovery = "fix the submission document and retry"
	}
	c.ValidationErrors = apiErr.ValidationErrors
	return c
}

// ClassifyWithRecovery additionally recovers partial success: when a publish
// call failed but the resource was created, the platform embeds the new id in
// free text. We extract it and read the real validation errors, because the
// bare failure is otherwise undiagnosable.
func ClassifyWithRecovery(ctx context.Context, apiErr *platform.APIError, operation string, fetcher DetailsFetcher) Classification {
	c := Classify(apiErr, operation)
	if c.Category != CategoryPartialPublish || fetcher == nil {
		return c
	}
	id := ExtractFlowID(bestMessage(apiErr))
	if id == "" {
		return c
	}
	c.RecoveredFlowID = id
	details, err := fetcher.GetFlowDetails(ctx, id)
	if err != nil {
		c.Message = fmt.Sprintf("%s (created flow %s; fetching its validation errors failed: %v)", c.Message, id, err)
		return c
	}
	if len(details.ValidationErrors) > 0 {
		c.ValidationErrors = details.ValidationErrors
		c.Message = bestOf(details.ValidationErrors, c.Message)
	}
	return c
}

var flowIDRe = regexp.MustCompile(`(?i)flow(?:\s+with)?\s+id[:\s#]*(\d{5,})`)

// ExtractFlowID pulls a numeric flow id out of free error text. No match means
// no recoverable id, never a failure.
func ExtractFlowID(message string) string {
	m := flowIDRe.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return m[1]
}

func bestMessage(apiErr *platform.APIError) string {
	if msg := bestOf(apiErr.ValidationErrors, ""); msg != "" {
		return msg
	}
	if apiErr.UserMessage != "" {
		return apiErr.UserMessage
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	if apiErr.Title != "" {
		return apiErr.Title
	}
	return "unknown platform error"
}

func bestOf(errs []platform.RemoteValidationError, fallback string) string {
	if len(errs) == 0 {
		return fallback
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		if e.Pointer != "" {
			msg = e.Pointer + ": " + msg
		}
		if msg != "" {
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, "; ")
}
