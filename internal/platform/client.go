// Package platform is a thin HTTP client for the remote messaging platform's
// flow API. It does no orchestration: every call maps to one endpoint and
// failures surface as a typed *APIError for the classifier to interpret.
package platform

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

// Client talks to the platform's HTTP API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 30 * time.Second,
	}
}

// RemoteValidationError is one entry of the platform's nested validation
// errors array, attached to create/upload/details responses.
type RemoteValidationError struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
	Pointer string `json:"pointer,omitempty"`
}

// CreateFlowRequest carries everything the create endpoint accepts.
type CreateFlowRequest struct {
	Name        string   `json:"name"`
	Categories  []string `json:"categories"`
	Document    any      `json:"flow_json"`
	Publish     bool     `json:"publish"`
	EndpointURI string   `json:"endpoint_uri,omitempty"`
}

type CreateFlowResponse struct {
	ID               string                  `json:"id"`
	ValidationErrors []RemoteValidationError `json:"validation_errors,omitempty"`
}

// FlowDetails is the remote view of a flow.
type FlowDetails struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Status           string                  `json:"status"`
	Categories       []string                `json:"categories,omitempty"`
	ValidationErrors []RemoteValidationError `json:"validation_errors,omitempty"`
}

// EncryptionKey is the key registered for a channel identity.
type EncryptionKey struct {
	PublicKey       string `json:"business_public_key"`
	SignatureStatus string `json:"business_public_key_signature_status"`
}

// CreateFlow creates a remote flow, optionally publishing it in the same call.
func (c *Client) CreateFlow(ctx context.Context, req CreateFlowRequest) (CreateFlowResponse, error) {
	var resp CreateFlowResponse
	err := c.do(ctx, http.MethodPost, "flows", req, &resp)
	return resp, err
}

// UpdateFlowMetadata pushes a new name and category set for a draft flow.
func (c *Client) UpdateFlowMetadata(ctx context.Context, id, name string, categories []string) error {
	body := map[string]any{"name": name, "categories": categories}
	return c.do(ctx, http.MethodPost, "flows/"+url.PathEscape(id), body, nil)
}

// UploadFlowDocument replaces the draft flow's document asset and returns any
// validation errors the platform reports against it.
func (c *Client) UploadFlowDocument(ctx context.Context, id string, document any) ([]RemoteValidationError, error) {
	var resp struct {
		ValidationErrors []RemoteValidationError `json:"validation_errors,omitempty"`
	}
	body := map[string]any{"name": "flow.json", "asset_type": "FLOW_JSON", "flow_json": document}
	err := c.do(ctx, http.MethodPost, "flows/"+url.PathEscape(id)+"/assets", body, &resp)
	return resp.ValidationErrors, err
}

// PublishFlow publishes a draft. Published flows are immutable remotely.
func (c *Client) PublishFlow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "flows/"+url.PathEscape(id)+"/publish", struct{}{}, nil)
}

// GetFlowDetails fetches remote status and validation errors.
func (c *Client) GetFlowDetails(ctx context.Context, id string) (FlowDetails, error) {
	var resp FlowDetails
	endpoint := "flows/" + url.PathEscape(id) + "?fields=id,name,status,categories,validation_errors"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetFlowPreview fetches the web preview URL for a flow.
func (c *Client) GetFlowPreview(ctx context.Context, id string) (string, error) {
	var resp struct {
		Preview struct {
			URL string `json:"preview_url"`
		} `json:"preview"`
	}
	endpoint := "flows/" + url.PathEscape(id) + "?fields=preview.invalidate(false)"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Preview.URL, err
}

// GetEncryptionKey fetches the public key registered for the channel identity.
func (c *Client) GetEncryptionKey(ctx context.Context, channelID string) (EncryptionKey, error) {
	var resp struct {
		Data []EncryptionKey `json:"data"`
	}
	endpoint := "channels/" + url.PathEscape(channelID) + "/encryption"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return EncryptionKey{}, err
	}
	if len(resp.Data) == 0 {
		return EncryptionKey{}, nil
	}
	return resp.Data[0], nil
}

// SetEncryptionKey registers the public key for the channel identity.
func (c *Client) SetEncryptionKey(ctx context.Context, channelID, publicKey string) error {
	body := map[string]any{"business_public_key": publicKey}
	return c.do(ctx, http.MethodPost, "channels/"+url.PathEscape(channelID)+"/encryption", body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return decodeAPIError(resp.StatusCode, data)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
