package publisher

import (
	"fmt"

	"flowdeck/internal/classify"
	"flowdeck/internal/flowdoc"
	"flowdeck/internal/platform"
)

// ConfigurationError means publishing cannot proceed until an operator fixes
// the workspace config: missing endpoint URL or key material. Never retried.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ValidationFailedError carries the full local validation result. No remote
// call was made.
type ValidationFailedError struct {
	Result flowdoc.ValidationResult
}

func (e ValidationFailedError) Error() string {
	return fmt.Sprintf("flow document failed validation with %d errors", len(e.Result.Errors))
}

// ConflictError means the remote flow is already published and therefore
// immutable. The caller must create a new record instead of retrying.
type ConflictError struct {
	RemoteFlowID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("remote flow %s is published and immutable; create a new flow to keep editing", e.RemoteFlowID)
}

// RemoteError wraps a classified platform failure.
type RemoteError struct {
	Op             string
	API            *platform.APIError
	Classification classify.Classification
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Op, e.Classification.Category, e.Classification.Message)
}

func (e *RemoteError) Unwrap() error { return e.API }
