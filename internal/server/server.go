package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"flowdeck/internal/config"
	"flowdeck/internal/domain"
	"flowdeck/internal/events"
	"flowdeck/internal/flowdoc"
	"flowdeck/internal/formspec"
	"flowdeck/internal/keys"
	"flowdeck/internal/publisher"
	"flowdeck/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Publisher publisher.Publisher
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"published_immutable"`
	Message string         `json:"message" example:"remote flow is published and immutable"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowdeck API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Publisher.Repo))
	hcfg := huma.DefaultConfig("Flowdeck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFlows(group, cfg.Publisher)
	registerFlowActions(group, cfg.Publisher)
	registerKeys(group, cfg.Publisher)
	registerEvents(group, cfg.Publisher)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var vfe publisher.ValidationFailedError
	if errors.As(err, &vfe) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"errors":   vfe.Result.Errors,
			"warnings": vfe.Result.Warnings,
		})
	}
	var cfe publisher.ConflictError
	if errors.As(err, &cfe) {
		return newAPIError(http.StatusConflict, "published_immutable", err.Error(), map[string]any{
			"remote_flow_id": cfe.RemoteFlowID,
		})
	}
	var cge publisher.ConfigurationError
	if errors.As(err, &cge) {
		return newAPIError(http.StatusFailedDependency, "configuration_error", err.Error(), nil)
	}
	var kme keys.MismatchError
	if errors.As(err, &kme) {
		return newAPIError(http.StatusConflict, "key_mismatch", err.Error(), map[string]any{
			"local_fingerprint":  kme.LocalFingerprint,
			"remote_fingerprint": kme.RemoteFingerprint,
		})
	}
	var re *publisher.RemoteError
	if errors.As(err, &re) {
		details := map[string]any{
			"op":       re.Op,
			"category": string(re.Classification.Category),
		}
		if re.Classification.Recovery != "" {
			details["recovery"] = re.Classification.Recovery
		}
		if len(re.Classification.ValidationErrors) > 0 {
			details["validation_errors"] = re.Classification.ValidationErrors
		}
		return newAPIError(http.StatusBadGateway, "remote_error", re.Classification.Message, details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusFailedDependency:
		return "configuration_error"
	case http.StatusBadGateway:
		return "remote_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func validateCategories(categories []string) huma.StatusError {
	for _, cat := range categories {
		if !config.ValidCategories[cat] {
			return newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown category %q", cat), map[string]any{"field": "categories"})
		}
	}
	return nil
}

func isPublished(f domain.FlowRecord) bool {
	return f.RemoteStatus != nil && *f.RemoteStatus == domain.StatusPublished
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Flowdeck API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerFlows(api huma.API, p publisher.Publisher) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-flow",
		Method:        http.MethodPost,
		Path:          "/flows",
		Summary:       "Create flow record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateFlowRequest `json:"body"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := validateCategories(input.Body.Categories); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}

		document := string(input.Body.Document)
		formSpec := ""
		if len(input.Body.FormSpec) > 0 {
			spec, err := formspec.Parse(input.Body.FormSpec)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "form_spec"})
			}
			formSpec = string(input.Body.FormSpec)
			if document == "" {
				doc, err := formspec.Compile(spec)
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "form_spec"})
				}
				data, err := json.Marshal(doc)
				if err != nil {
					return nil, handleError(err)
				}
				document = string(data)
			}
		}
		if document == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document or form_spec is required", nil)
		}
		if _, err := flowdoc.ParseTree([]byte(document)); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "document"})
		}

		now := p.Now().UTC().Format(time.RFC3339)
		rec := domain.FlowRecord{
			ID:            uuid.NewString(),
			Name:          strings.TrimSpace(input.Body.Name),
			Categories:    input.Body.Categories,
			AuthoringJSON: document,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if formSpec != "" {
			rec.FormSpecJSON = &formSpec
		}
		if err := p.Repo.InsertFlow(ctx, rec); err != nil {
			return nil, handleError(err)
		}
		if err := appendEvent(ctx, p, "flow.created", rec.ID, actorID, events.EventPayload{"name": rec.Name}); err != nil {
			return nil, handleError(err)
		}
		created, err := p.Repo.GetFlow(ctx, rec.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List flow records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []FlowResponse `json:"body"`
	}, error) {
		items, err := p.Repo.ListFlows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FlowResponse `json:"body"`
		}{Body: mapFlows(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{id}",
		Summary:     "Get flow record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		f, err := p.Repo.GetFlow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-flow",
		Method:      http.MethodPatch,
		Path:        "/flows/{id}",
		Summary:     "Update flow record",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateFlowRequest `json:"body"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := validateCategories(input.Body.Categories); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := p.Repo.GetFlow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}

		contentEdit := len(input.Body.Document) > 0 || len(input.Body.FormSpec) > 0 || input.Body.Categories != nil
		if isPublished(rec) && contentEdit {
			// Published flows are remotely immutable; only an explicit rename
			// detaches the record so editing can resume under a new identity.
			return nil, handleError(publisher.ConflictError{RemoteFlowID: *rec.RemoteFlowID})
		}

		if input.Body.Name != nil && *input.Body.Name != rec.Name {
			if strings.TrimSpace(*input.Body.Name) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "name must not be empty", nil)
			}
			if _, err := p.Rename(ctx, rec.ID, strings.TrimSpace(*input.Body.Name), actorID); err != nil {
				return nil, handleError(err)
			}
		}

		if contentEdit {
			upd := repo.FlowContentUpdate{UpdatedAt: p.Now().UTC().Format(time.RFC3339)}
			if input.Body.Categories != nil {
				upd.Categories = input.Body.Categories
			}
			if len(input.Body.Document) > 0 {
				if _, err := flowdoc.ParseTree(input.Body.Document); err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "document"})
				}
				doc := string(input.Body.Document)
				upd.AuthoringJSON = &doc
				// The cached submission no longer matches the new document.
				empty := ""
				upd.SubmissionJSON = &empty
			}
			if len(input.Body.FormSpec) > 0 {
				if _, err := formspec.Parse(input.Body.FormSpec); err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "form_spec"})
				}
				spec := string(input.Body.FormSpec)
				upd.FormSpecJSON = &spec
			}
			if err := applyContentUpdate(ctx, p, rec.ID, actorID, upd); err != nil {
				return nil, handleError(err)
			}
		}

		f, err := p.Repo.GetFlow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-flow",
		Method:      http.MethodDelete,
		Path:        "/flows/{id}",
		Summary:     "Delete flow record",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := p.Repo.GetFlow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := p.Repo.DeleteFlow(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := appendEvent(ctx, p, "flow.deleted", rec.ID, actorID, events.EventPayload{"name": rec.Name}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFlowActions(api huma.API, p publisher.Publisher) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-flow",
		Method:      http.MethodPost,
		Path:        "/flows/{id}/validate",
		Summary:     "Validate flow document",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ValidateFlowResponse `json:"body"`
	}, error) {
		vres, err := p.ValidateRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidateFlowResponse `json:"body"`
		}{Body: ValidateFlowResponse{
			IsValid:  vres.IsValid,
			Errors:   issueList(vres.Errors),
			Warnings: issueList(vres.Warnings),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-flow",
		Method:      http.MethodPost,
		Path:        "/flows/{id}/publish",
		Summary:     "Publish flow to the remote platform",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusFailedDependency,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body PublishFlowRequest `json:"body"`
	}) (*struct {
		Body PublishFlowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := validateCategories(input.Body.Categories); err != nil {
			return nil, err
		}
		result, err := p.Publish(ctx, publisher.Options{
			RecordID:       input.ID,
			Publish:        input.Body.Publish,
			Categories:     input.Body.Categories,
			UpdateIfExists: input.Body.UpdateIfExists,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishFlowResponse `json:"body"`
		}{Body: publishResponse(result)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{id}/preview",
		Summary:     "Get remote preview URL",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PreviewResponse `json:"body"`
	}, error) {
		rec, err := p.Repo.GetFlow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if rec.RemoteFlowID == nil {
			return nil, newAPIError(http.StatusConflict, "no_remote_flow", "flow has not been created remotely yet", nil)
		}
		url, err := p.Platform.GetFlowPreview(ctx, *rec.RemoteFlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewResponse `json:"body"`
		}{Body: PreviewResponse{PreviewURL: url}}, nil
	})
}

func registerKeys(api huma.API, p publisher.Publisher) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-keys",
		Method:      http.MethodPost,
		Path:        "/keys/sync",
		Summary:     "Reconcile the channel encryption key",
		Errors: []int{
			http.StatusConflict,
			http.StatusFailedDependency,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body KeySyncResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := p.SyncKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KeySyncResponse `json:"body"`
		}{Body: KeySyncResponse{
			LocalFingerprint:      state.LocalFingerprint,
			RemoteFingerprint:     state.RemoteFingerprint,
			RemoteSignatureStatus: state.RemoteSignatureStatus,
			Registered:            state.Registered,
		}}, nil
	})
}

func registerEvents(api huma.API, p publisher.Publisher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FlowID string `query:"flow_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := p.Repo.ListEvents(ctx, limit, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func appendEvent(ctx context.Context, p publisher.Publisher, evtType, flowID, actorID string, payload events.EventPayload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Events.Append(ctx, tx, evtType, flowID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func applyContentUpdate(ctx context.Context, p publisher.Publisher, flowID, actorID string, upd repo.FlowContentUpdate) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpdateFlowContent(ctx, tx, flowID, upd); err != nil {
		return err
	}
	payload := events.EventPayload{}
	if upd.AuthoringJSON != nil {
		payload["document"] = true
	}
	if upd.FormSpecJSON != nil {
		payload["form_spec"] = true
	}
	if upd.Categories != nil {
		payload["categories"] = upd.Categories
	}
	if err := p.Events.Append(ctx, tx, "flow.updated", flowID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func issueList(issues []flowdoc.ValidationIssue) []flowdoc.ValidationIssue {
	if issues == nil {
		return []flowdoc.ValidationIssue{}
	}
	return issues
}
