package flowdecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowdeck HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Flow represents the API flow record model.
type Flow struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Categories       []string        `json:"categories,omitempty"`
	Document         json.RawMessage `json:"document,omitempty"`
	FormSpec         json.RawMessage `json:"form_spec,omitempty"`
	RemoteFlowID     string          `json:"remote_flow_id,omitempty"`
	RemoteStatus     string          `json:"remote_status,omitempty"`
	RemotePreviewURL string          `json:"remote_preview_url,omitempty"`
	PublishedAt      string          `json:"published_at,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

// ValidationIssue is one local validation finding.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of a local validate call.
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// PublishResult is the outcome of a publish call.
type PublishResult struct {
	RemoteFlowID     string           `json:"remote_flow_id"`
	RemoteStatus     string           `json:"remote_status"`
	PreviewURL       string           `json:"preview_url,omitempty"`
	ValidationErrors []map[string]any `json:"validation_errors,omitempty"`
}

// KeySyncResult describes one key reconciliation attempt.
type KeySyncResult struct {
	LocalFingerprint      string `json:"local_fingerprint"`
	RemoteFingerprint     string `json:"remote_fingerprint"`
	RemoteSignatureStatus string `json:"remote_signature_status,omitempty"`
	Registered            bool   `json:"registered"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	FlowID  string         `json:"flow_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateFlow creates a flow record from an authoring document.
func (c *Client) CreateFlow(ctx context.Context, name string, categories []string, document json.RawMessage) (Flow, error) {
	body := map[string]any{
		"name": name,
	}
	if len(categories) > 0 {
		body["categories"] = categories
	}
	if len(document) > 0 {
		body["document"] = document
	}
	var resp Flow
	err := c.do(ctx, http.MethodPost, "v0/flows", body, &resp)
	return resp, err
}

// ListFlows returns all flow records.
func (c *Client) ListFlows(ctx context.Context) ([]Flow, error) {
	var resp []Flow
	err := c.do(ctx, http.MethodGet, "v0/flows", nil, &resp)
	return resp, err
}

// GetFlow fetches a flow record by id.
func (c *Client) GetFlow(ctx context.Context, id string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodGet, c.flowPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateFlow applies a partial update. Nil or empty fields are left unchanged.
func (c *Client) UpdateFlow(ctx context.Context, id string, name *string, categories []string, document json.RawMessage) (Flow, error) {
	body := map[string]any{}
	if name != nil {
		body["name"] = *name
	}
	if categories != nil {
		body["categories"] = categories
	}
	if len(document) > 0 {
		body["document"] = document
	}
	var resp Flow
	err := c.do(ctx, http.MethodPatch, c.flowPath(id, ""), body, &resp)
	return resp, err
}

// DeleteFlow removes a flow record.
func (c *Client) DeleteFlow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.flowPath(id, ""), nil, nil)
}

// ValidateFlow runs local validation without touching the remote platform.
func (c *Client) ValidateFlow(ctx context.Context, id string) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.flowPath(id, "validate"), nil, &resp)
	return resp, err
}

// PublishFlow pushes a flow to the remote platform. With publish=false the
// remote flow stays in draft.
func (c *Client) PublishFlow(ctx context.Context, id string, publish, updateIfExists bool) (PublishResult, error) {
	body := map[string]any{
		"publish":          publish,
		"update_if_exists": updateIfExists,
	}
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, c.flowPath(id, "publish"), body, &resp)
	return resp, err
}

// FlowPreview returns the remote preview URL.
func (c *Client) FlowPreview(ctx context.Context, id string) (string, error) {
	var resp struct {
		PreviewURL string `json:"preview_url"`
	}
	err := c.do(ctx, http.MethodGet, c.flowPath(id, "preview"), nil, &resp)
	return resp.PreviewURL, err
}

// SyncKeys reconciles the channel encryption key.
func (c *Client) SyncKeys(ctx context.Context) (KeySyncResult, error) {
	var resp KeySyncResult
	err := c.do(ctx, http.MethodPost, "v0/keys/sync", nil, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to one flow.
func (c *Client) Events(ctx context.Context, limit int, flowID string) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if flowID != "" {
		params.Set("flow_id", flowID)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) flowPath(id, action string) string {
	p := fmt.Sprintf("v0/flows/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
