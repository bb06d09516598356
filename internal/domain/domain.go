package domain

// FlowRecord is the locally stored flow: the authoring document, the cached
// submission document, and whatever the remote platform last told us about it.
// RemoteFlowID is set exactly once on first successful remote creation; it is
// only ever cleared by an explicit rename of a published record.
type FlowRecord struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Categories           []string `json:"categories,omitempty"`
	AuthoringJSON        string   `json:"authoring_json"`
	FormSpecJSON         *string  `json:"form_spec_json,omitempty"`
	SubmissionJSON       *string  `json:"submission_json,omitempty"`
	RemoteFlowID         *string  `json:"remote_flow_id,omitempty"`
	RemoteStatus         *string  `json:"remote_status,omitempty" enum:"DRAFT,PUBLISHED"`
	RemotePreviewURL     *string  `json:"remote_preview_url,omitempty"`
	RemoteValidationJSON *string  `json:"remote_validation_json,omitempty"`
	LastCheckedAt        *string  `json:"last_checked_at,omitempty" format:"date-time"`
	PublishedAt          *string  `json:"published_at,omitempty" format:"date-time"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

// RemoteState is the slice of a FlowRecord the publisher writes back after a
// publish attempt. Persisted in a single UPDATE so a crash mid-pipeline never
// leaves a half-written record.
type RemoteState struct {
	RemoteFlowID         *string
	RemoteStatus         *string
	RemotePreviewURL     *string
	RemoteValidationJSON *string
	LastCheckedAt        *string
	PublishedAt          *string
}

const (
	StatusDraft     = "DRAFT"
	StatusPublished = "PUBLISHED"
)

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	FlowID  string `json:"flow_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
