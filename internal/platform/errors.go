package platform

import (
	"encoding/json"
	"fmt"
)

// Error subcodes the orchestrator reacts to. Everything else is classified
// generically.
const (
	// SubcodeDuplicateName: a flow with the requested name already exists.
	SubcodeDuplicateName = 4233041
	// SubcodePartialPublish: the flow was created but the publish step
	// failed; the new flow id is embedded in the error message text.
	SubcodePartialPublish = 4233052
)

// APIError is the platform's heterogeneous error payload, normalized.
type APIError struct {
	Status           int                     `json:"status"`
	Code             int                     `json:"code"`
	Subcode          int                     `json:"error_subcode"`
	Title            string                  `json:"error_user_title"`
	Message          string                  `json:"message"`
	UserMessage      string                  `json:"error_user_msg"`
	ValidationErrors []RemoteValidationError `json:"validation_errors,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error: status=%d code=%d subcode=%d message=%s", e.Status, e.Code, e.Subcode, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		UserTitle string `json:"error_user_title"`
		UserMsg   string `json:"error_user_msg"`
		ErrorData struct {
			Details          string                  `json:"details"`
			ValidationErrors []RemoteValidationError `json:"validation_errors"`
		} `json:"error_data"`
	} `json:"error"`
}

// decodeAPIError maps a non-2xx response body to an *APIError. A body that is
// not the documented envelope still yields a usable error carrying the raw
// text as the message.
func decodeAPIError(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Message == "" && env.Error.Code == 0 {
		return &APIError{Status: status, Message: string(body)}
	}
	apiErr := &APIError{
		Status:           status,
		Code:             env.Error.Code,
		Subcode:          env.Error.Subcode,
		Title:            env.Error.UserTitle,
		Message:          env.Error.Message,
		UserMessage:      env.Error.UserMsg,
		ValidationErrors: env.Error.ErrorData.ValidationErrors,
	}
	if apiErr.UserMessage == "" && env.Error.ErrorData.Details != "" {
		apiErr.UserMessage = env.Error.ErrorData.Details
	}
	return apiErr
}
