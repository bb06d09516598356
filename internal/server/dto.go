package server

import (
	"encoding/json"

	"flowdeck/internal/domain"
	"flowdeck/internal/flowdoc"
	"flowdeck/internal/platform"
	"flowdeck/internal/publisher"
)

// Request payloads

type CreateFlowRequest struct {
	Name       string          `json:"name"`
	Categories []string        `json:"categories,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	FormSpec   json.RawMessage `json:"form_spec,omitempty"`
}

type UpdateFlowRequest struct {
	Name       *string         `json:"name,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	FormSpec   json.RawMessage `json:"form_spec,omitempty"`
}

type PublishFlowRequest struct {
	Publish        bool     `json:"publish"`
	Categories     []string `json:"categories,omitempty"`
	UpdateIfExists bool     `json:"update_if_exists,omitempty"`
}

// Response payloads

type FlowResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Categories       []string        `json:"categories,omitempty"`
	Document         json.RawMessage `json:"document,omitempty"`
	FormSpec         json.RawMessage `json:"form_spec,omitempty"`
	RemoteFlowID     *string         `json:"remote_flow_id,omitempty"`
	RemoteStatus     *string         `json:"remote_status,omitempty" enum:"DRAFT,PUBLISHED"`
	RemotePreviewURL *string         `json:"remote_preview_url,omitempty"`
	LastCheckedAt    *string         `json:"last_checked_at,omitempty" format:"date-time"`
	PublishedAt      *string         `json:"published_at,omitempty" format:"date-time"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

type PublishFlowResponse struct {
	RemoteFlowID     string                           `json:"remote_flow_id"`
	RemoteStatus     string                           `json:"remote_status"`
	PreviewURL       string                           `json:"preview_url,omitempty"`
	ValidationErrors []platform.RemoteValidationError `json:"validation_errors,omitempty"`
}

type ValidateFlowResponse struct {
	IsValid  bool                      `json:"is_valid"`
	Errors   []flowdoc.ValidationIssue `json:"errors"`
	Warnings []flowdoc.ValidationIssue `json:"warnings"`
}

type PreviewResponse struct {
	PreviewURL string `json:"preview_url"`
}

type KeySyncResponse struct {
	LocalFingerprint      string `json:"local_fingerprint"`
	RemoteFingerprint     string `json:"remote_fingerprint"`
	RemoteSignatureStatus string `json:"remote_signature_status,omitempty"`
	Registered            bool   `json:"registered"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	FlowID  string          `json:"flow_id,omitempty"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload"`
}

func flowResponse(f domain.FlowRecord) FlowResponse {
	resp := FlowResponse{
		ID:               f.ID,
		Name:             f.Name,
		Categories:       f.Categories,
		RemoteFlowID:     f.RemoteFlowID,
		RemoteStatus:     f.RemoteStatus,
		RemotePreviewURL: f.RemotePreviewURL,
		LastCheckedAt:    f.LastCheckedAt,
		PublishedAt:      f.PublishedAt,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
	if f.AuthoringJSON != "" {
		resp.Document = json.RawMessage(f.AuthoringJSON)
	}
	if f.FormSpecJSON != nil {
		resp.FormSpec = json.RawMessage(*f.FormSpecJSON)
	}
	return resp
}

func mapFlows(items []domain.FlowRecord) []FlowResponse {
	out := make([]FlowResponse, 0, len(items))
	for _, f := range items {
		out = append(out, flowResponse(f))
	}
	return out
}

func publishResponse(r publisher.Result) PublishFlowResponse {
	return PublishFlowResponse{
		RemoteFlowID:     r.RemoteFlowID,
		RemoteStatus:     r.RemoteStatus,
		PreviewURL:       r.PreviewURL,
		ValidationErrors: r.ValidationErrors,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := json.RawMessage("{}")
		if e.Payload != "" && json.Valid([]byte(e.Payload)) {
			payload = json.RawMessage(e.Payload)
		}
		out = append(out, EventResponse{
			ID:      e.ID,
			TS:      e.TS,
			Type:    e.Type,
			FlowID:  e.FlowID,
			ActorID: e.ActorID,
			Payload: payload,
		})
	}
	return out
}
