package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowdeck/internal/config"
	"flowdeck/internal/db"
	"flowdeck/internal/domain"
	"flowdeck/internal/migrate"
	"flowdeck/internal/platform"
	"flowdeck/internal/publisher"
	"flowdeck/internal/repo"
)

const testJWTSecret = "test-secret"

const validDoc = `{
	"version": "7.2",
	"screens": [{
		"id": "FORM",
		"layout": {"type": "SingleColumnLayout", "children": [
			{"type": "TextInput", "name": "full_name", "label": "Full name"},
			{"type": "Footer", "label": "Send", "on-click-action": {"name": "complete"}}
		]}
	}]
}`

type stubPlatform struct {
	createResp platform.CreateFlowResponse
	details    platform.FlowDetails
	preview    string
	remoteKey  string
}

func (s *stubPlatform) CreateFlow(ctx context.Context, req platform.CreateFlowRequest) (platform.CreateFlowResponse, error) {
	return s.createResp, nil
}

func (s *stubPlatform) UpdateFlowMetadata(ctx context.Context, id, name string, categories []string) error {
	return nil
}

func (s *stubPlatform) UploadFlowDocument(ctx context.Context, id string, document any) ([]platform.RemoteValidationError, error) {
	return nil, nil
}

func (s *stubPlatform) PublishFlow(ctx context.Context, id string) error { return nil }

func (s *stubPlatform) GetFlowDetails(ctx context.Context, id string) (platform.FlowDetails, error) {
	return s.details, nil
}

func (s *stubPlatform) GetFlowPreview(ctx context.Context, id string) (string, error) {
	return s.preview, nil
}

func (s *stubPlatform) GetEncryptionKey(ctx context.Context, channelID string) (platform.EncryptionKey, error) {
	return platform.EncryptionKey{PublicKey: s.remoteKey, SignatureStatus: "VALID"}, nil
}

func (s *stubPlatform) SetEncryptionKey(ctx context.Context, channelID, publicKey string) error {
	s.remoteKey = publicKey
	return nil
}

type testServer struct {
	URL    string
	Pub    publisher.Publisher
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, stub *stubPlatform) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Platform.BaseURL = "https://platform.test"
	p := publisher.New(conn, cfg, stub)
	handler, err := New(Config{
		Publisher: p,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Pub:    p,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeErr(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(data), err)
	}
	if env.Error.Code == "" {
		t.Fatalf("error envelope has no code: %s", string(data))
	}
	return env
}

func createFlow(t *testing.T, srv *testServer, name string) FlowResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"name":     name,
		"document": json.RawMessage(validDoc),
	}, asActor())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create flow status %d: %s", res.StatusCode, string(data))
	}
	var created FlowResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal flow: %v", err)
	}
	return created
}

func TestFlowLifecycle(t *testing.T) {
	stub := &stubPlatform{
		createResp: platform.CreateFlowResponse{ID: "700001"},
		details:    platform.FlowDetails{ID: "700001", Status: domain.StatusDraft},
		preview:    "https://platform.test/preview/700001",
	}
	srv, cleanup := newTestServer(t, stub)
	defer cleanup()
	client := srv.Client()

	created := createFlow(t, srv, "contact-us")
	if created.ID == "" || created.Name != "contact-us" {
		t.Fatalf("created = %+v", created)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/flows/"+created.ID, nil, asActor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get flow status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows/"+created.ID+"/validate", nil, asActor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var vres ValidateFlowResponse
	if err := json.Unmarshal(data, &vres); err != nil {
		t.Fatalf("unmarshal validate: %v", err)
	}
	if !vres.IsValid {
		t.Fatalf("document should validate: %+v", vres)
	}
	if vres.Errors == nil || vres.Warnings == nil {
		t.Fatal("issue lists must be arrays, not null")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows/"+created.ID+"/publish", map[string]any{
		"publish": false,
	}, asActor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var pres PublishFlowResponse
	if err := json.Unmarshal(data, &pres); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	if pres.RemoteFlowID != "700001" || pres.RemoteStatus != domain.StatusDraft {
		t.Fatalf("publish result = %+v", pres)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/flows/"+created.ID+"/preview", nil, asActor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	var prev PreviewResponse
	_ = json.Unmarshal(data, &prev)
	if prev.PreviewURL != stub.preview {
		t.Fatalf("preview url = %q", prev.PreviewURL)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?flow_id="+created.ID, nil, asActor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	if !types["flow.created"] || !types["flow.created.remote"] {
		t.Fatalf("missing lifecycle events, got %v", types)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/flows/"+created.ID, nil, asActor())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/flows/"+created.ID, nil, asActor())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestCreateFlowRejectsBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"document": json.RawMessage(validDoc),
	}, asActor())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing name status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "bad_request" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"name": "x",
	}, asActor())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing document status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"name":       "x",
		"document":   json.RawMessage(validDoc),
		"categories": []string{"NOT_A_CATEGORY"},
	}, asActor())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad category status %d: %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if !strings.Contains(env.Error.Message, "NOT_A_CATEGORY") {
		t.Fatalf("message = %q", env.Error.Message)
	}
}

func TestCreateFlowFromFormSpec(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"name": "from-spec",
		"form_spec": map[string]any{
			"name":  "contact",
			"title": "Contact us",
			"fields": []map[string]any{
				{"name": "email", "label": "Email", "type": "text"},
			},
		},
	}, asActor())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create from spec status %d: %s", res.StatusCode, string(data))
	}
	var created FlowResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal flow: %v", err)
	}
	if len(created.Document) == 0 || !strings.Contains(string(created.Document), "screens") {
		t.Fatalf("document must be compiled from the spec: %s", created.Document)
	}
	if len(created.FormSpec) == 0 {
		t.Fatal("form spec must be stored alongside the document")
	}
}

func TestPublishedFlowRejectsContentEdits(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()
	created := createFlow(t, srv, "locked")

	remoteID := "700002"
	status := domain.StatusPublished
	now := time.Now().UTC().Format(time.RFC3339)
	st := domain.RemoteState{RemoteFlowID: &remoteID, RemoteStatus: &status, PublishedAt: &now}
	if err := srv.Pub.Repo.UpdateFlowRemoteState(context.Background(), created.ID, st, now); err != nil {
		t.Fatalf("seed remote state: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/flows/"+created.ID, map[string]any{
		"document": json.RawMessage(validDoc),
	}, asActor())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("edit published status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "published_immutable" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// A rename is the one allowed edit: it detaches the remote identity.
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/flows/"+created.ID, map[string]any{
		"name": "locked-v2",
	}, asActor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rename status %d: %s", res.StatusCode, string(data))
	}
	var renamed FlowResponse
	_ = json.Unmarshal(data, &renamed)
	if renamed.Name != "locked-v2" {
		t.Fatalf("name = %q", renamed.Name)
	}
	if renamed.RemoteFlowID != nil || renamed.RemoteStatus != nil {
		t.Fatalf("remote identity must be cleared after rename: %+v", renamed)
	}
}

func TestPublishInvalidDocumentReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()

	badDoc := `{"version":"7.2","screens":[{"id":"A","layout":{"type":"SingleColumnLayout","children":[
		{"type":"Footer","label":"One","on-click-action":{"name":"complete"}},
		{"type":"Footer","label":"Two","on-click-action":{"name":"complete"}}
	]}}]}`
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"name":     "broken",
		"document": json.RawMessage(badDoc),
	}, asActor())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created FlowResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows/"+created.ID+"/publish", map[string]any{}, asActor())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("publish invalid status %d: %s", res.StatusCode, string(data))
	}
	env := decodeErr(t, data)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if _, ok := env.Error.Details["errors"]; !ok {
		t.Fatalf("details must carry the issue list: %+v", env.Error.Details)
	}
}

func TestPreviewWithoutRemoteFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()
	created := createFlow(t, srv, "local-only")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/"+created.ID+"/preview", nil, asActor())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "no_remote_flow" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// Health stays open.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "jwt-user"}).
		SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// A token without a subject claim is rejected even when correctly signed.
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).
		SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, map[string]string{
		"Authorization": "Bearer " + noSub,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("subjectless token status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()

	key := "fd_live_abc123"
	now := time.Now().UTC().Format(time.RFC3339)
	err := srv.Pub.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "service-bot",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, map[string]string{
		"X-Api-Key": key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d: %s", res.StatusCode, string(data))
	}
}

func TestDuplicateFlowNameConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, &stubPlatform{})
	defer cleanup()
	createFlow(t, srv, "dup")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"name":     "dup",
		"document": json.RawMessage(validDoc),
	}, asActor())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate name status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "conflict" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}
