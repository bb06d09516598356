// Package publisher drives a flow record through remote creation, update and
// publication. The pipeline is strictly sequential: every remote call depends
// on the one before it, and the terminal record update is a single atomic
// write on every path.
package publisher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowdeck/internal/classify"
	"flowdeck/internal/config"
	"flowdeck/internal/domain"
	"flowdeck/internal/events"
	"flowdeck/internal/flowdoc"
	"flowdeck/internal/formspec"
	"flowdeck/internal/keys"
	"flowdeck/internal/platform"
	"flowdeck/internal/repo"
)

// PlatformAPI is everything the publisher needs from the remote platform.
type PlatformAPI interface {
	CreateFlow(ctx context.Context, req platform.CreateFlowRequest) (platform.CreateFlowResponse, error)
	UpdateFlowMetadata(ctx context.Context, id, name string, categories []string) error
	UploadFlowDocument(ctx context.Context, id string, document any) ([]platform.RemoteValidationError, error)
	PublishFlow(ctx context.Context, id string) error
	GetFlowDetails(ctx context.Context, id string) (platform.FlowDetails, error)
	GetFlowPreview(ctx context.Context, id string) (string, error)
	GetEncryptionKey(ctx context.Context, channelID string) (platform.EncryptionKey, error)
	SetEncryptionKey(ctx context.Context, channelID, publicKey string) error
}

type Publisher struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Platform PlatformAPI
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, api PlatformAPI) Publisher {
	return Publisher{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Platform: api,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (p Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Options are the caller's knobs for one publish attempt.
type Options struct {
	RecordID       string
	Publish        bool
	Categories     []string
	UpdateIfExists bool
	ActorID        string
}

// Result is the outcome of a successful publish attempt.
type Result struct {
	RemoteFlowID     string                           `json:"remote_flow_id"`
	RemoteStatus     string                           `json:"remote_status"`
	PreviewURL       string                           `json:"preview_url,omitempty"`
	ValidationErrors []platform.RemoteValidationError `json:"validation_errors,omitempty"`
	Summary          flowdoc.Summary                  `json:"summary"`
}

// Publish runs the full pipeline: validate, transform, reconcile keys,
// create-or-update remotely, persist. Remote failures come back as typed
// errors; the record's remote state is persisted on every path.
func (p Publisher) Publish(ctx context.Context, opts Options) (Result, error) {
	if p.Config == nil {
		return Result{}, errors.New("config not loaded")
	}
	rec, err := p.Repo.GetFlow(ctx, opts.RecordID)
	if err != nil {
		return Result{}, err
	}

	submission, vres, err := p.submissionFor(ctx, &rec)
	if err != nil {
		return Result{}, err
	}
	if !vres.IsValid {
		// Local failure still gets the terminal persistence step so the
		// record carries its latest diagnostics.
		p.persistLocalFailure(ctx, &rec, vres, opts.ActorID)
		return Result{}, ValidationFailedError{Result: vres}
	}

	categories := p.categoriesFor(rec, opts)
	summary := flowdoc.Summarize(submission)

	var result Result
	if rec.RemoteFlowID == nil {
		result, err = p.create(ctx, &rec, submission, categories, opts)
	} else {
		result, err = p.update(ctx, &rec, submission, categories, opts)
	}
	result.Summary = summary
	return result, err
}

// submissionFor derives and validates the submission document. When the
// authoring document is unusable but the record carries a higher-level form
// spec, the submission is regenerated from it — a self-healing step for
// legacy records whose cached documents predate the current grammar.
func (p Publisher) submissionFor(ctx context.Context, rec *domain.FlowRecord) (any, flowdoc.ValidationResult, error) {
	var tree any
	var err error
	switch {
	case rec.AuthoringJSON != "":
		tree, err = flowdoc.ParseTree([]byte(rec.AuthoringJSON))
		if err == nil {
			tree = flowdoc.ToSubmission(tree)
		}
	case rec.SubmissionJSON != nil:
		tree, err = flowdoc.ParseTree([]byte(*rec.SubmissionJSON))
	default:
		err = fmt.Errorf("flow %s has no document", rec.ID)
	}

	var vres flowdoc.ValidationResult
	if err != nil {
		vres = flowdoc.ValidationResult{Errors: []flowdoc.ValidationIssue{{Path: "", Message: err.Error()}}}
	} else {
		vres = validateTree(tree)
	}

	if !vres.IsValid && rec.FormSpecJSON != nil {
		if healed, healedRes, ok := p.regenerateFromFormSpec(*rec.FormSpecJSON); ok {
			tree, vres = healed, healedRes
		}
	}
	if !vres.IsValid {
		return tree, vres, nil
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return nil, vres, fmt.Errorf("encode submission document: %w", err)
	}
	cached := string(data)
	rec.SubmissionJSON = &cached
	if err := p.Repo.UpdateSubmissionCache(ctx, rec.ID, cached, p.now().UTC().Format(time.RFC3339)); err != nil {
		return nil, vres, fmt.Errorf("cache submission document: %w", err)
	}
	return tree, vres, nil
}

func (p Publisher) regenerateFromFormSpec(specJSON string) (any, flowdoc.ValidationResult, bool) {
	spec, err := formspec.Parse([]byte(specJSON))
	if err != nil {
		return nil, flowdoc.ValidationResult{}, false
	}
	doc, err := formspec.Compile(spec)
	if err != nil {
		return nil, flowdoc.ValidationResult{}, false
	}
	tree := flowdoc.ToSubmission(doc)
	vres := validateTree(tree)
	if !vres.IsValid {
		return nil, flowdoc.ValidationResult{}, false
	}
	return tree, vres, true
}

func validateTree(tree any) flowdoc.ValidationResult {
	doc, err := flowdoc.FromTree(tree)
	if err != nil {
		return flowdoc.ValidationResult{Errors: []flowdoc.ValidationIssue{{Path: "", Message: err.Error()}}}
	}
	return flowdoc.Validate(doc)
}

func (p Publisher) categoriesFor(rec domain.FlowRecord, opts Options) []string {
	if len(opts.Categories) > 0 {
		return opts.Categories
	}
	if len(rec.Categories) > 0 {
		return rec.Categories
	}
	if len(p.Config.Defaults.Categories) > 0 {
		return p.Config.Defaults.Categories
	}
	return []string{"OTHER"}
}

// create handles the NO_REMOTE path: endpoint resolution and key
// reconciliation for dynamic flows, remote creation with a single
// name-collision retry, then status/preview reads.
func (p Publisher) create(ctx context.Context, rec *domain.FlowRecord, submission any, categories []string, opts Options) (Result, error) {
	endpointURI := ""
	if flowdoc.NeedsEndpoint(submission) {
		url, _, ok := config.ResolveEndpoint(p.Config.EndpointProviders(""))
		if !ok {
			return Result{}, ConfigurationError{Reason: "flow requires a callback endpoint but no endpoint URL is configured"}
		}
		endpointURI = url
		if err := p.reconcileKeys(ctx); err != nil {
			return Result{}, err
		}
	}

	req := platform.CreateFlowRequest{
		Name:        rec.Name,
		Categories:  categories,
		Document:    submission,
		Publish:     opts.Publish,
		EndpointURI: endpointURI,
	}
	resp, err := p.Platform.CreateFlow(ctx, req)
	if apiErr := asAPIError(err); apiErr != nil && apiErr.Subcode == platform.SubcodeDuplicateName {
		// One retry with a time-based suffix; any further collision is for
		// the operator to sort out.
		req.Name = fmt.Sprintf("%s-%s", rec.Name, p.now().UTC().Format("20060102150405"))
		resp, err = p.Platform.CreateFlow(ctx, req)
	}
	if err != nil {
		return Result{}, p.remoteFailure(ctx, rec, "create", err, opts.ActorID)
	}

	rec.RemoteFlowID = &resp.ID
	result, err := p.refreshRemoteState(ctx, rec, resp.ValidationErrors, opts.ActorID, "flow.created.remote")
	if err != nil {
		return result, err
	}
	return result, nil
}

// update handles the DRAFT_REMOTE path: re-fetch status first, refuse to
// touch published flows, then metadata/asset/publish in order.
func (p Publisher) update(ctx context.Context, rec *domain.FlowRecord, submission any, categories []string, opts Options) (Result, error) {
	remoteID := *rec.RemoteFlowID
	details, err := p.Platform.GetFlowDetails(ctx, remoteID)
	if err != nil {
		return Result{}, p.remoteFailure(ctx, rec, "read status", err, opts.ActorID)
	}
	if details.Status == domain.StatusPublished {
		p.persistStatus(ctx, rec, details, opts.ActorID)
		return Result{}, ConflictError{RemoteFlowID: remoteID}
	}

	var uploadErrors []platform.RemoteValidationError
	if opts.UpdateIfExists {
		if err := p.Platform.UpdateFlowMetadata(ctx, remoteID, rec.Name, categories); err != nil {
			return Result{}, p.remoteFailure(ctx, rec, "update metadata", err, opts.ActorID)
		}
		uploadErrors, err = p.Platform.UploadFlowDocument(ctx, remoteID, submission)
		if err != nil {
			return Result{}, p.remoteFailure(ctx, rec, "upload document", err, opts.ActorID)
		}
	}
	if opts.Publish {
		if err := p.Platform.PublishFlow(ctx, remoteID); err != nil {
			return Result{}, p.remoteFailure(ctx, rec, "publish", err, opts.ActorID)
		}
	}
	return p.refreshRemoteState(ctx, rec, uploadErrors, opts.ActorID, "flow.updated.remote")
}

func (p Publisher) reconcileKeys(ctx context.Context) error {
	localKey, err := p.Config.LoadPublicKey()
	if err != nil {
		return ConfigurationError{Reason: err.Error()}
	}
	rec := keys.Reconciler{Platform: p.Platform}
	if _, err := rec.Reconcile(ctx, p.Config.Platform.ChannelID, localKey); err != nil {
		if errors.Is(err, keys.ErrNoLocalKey) {
			return ConfigurationError{Reason: "flow requires an encryption key but none is configured"}
		}
		return err
	}
	return nil
}

// refreshRemoteState reads status and preview for the record's remote flow and
// persists everything in one transaction, appending an audit event.
func (p Publisher) refreshRemoteState(ctx context.Context, rec *domain.FlowRecord, validationErrors []platform.RemoteValidationError, actorID, eventType string) (Result, error) {
	remoteID := *rec.RemoteFlowID
	details, err := p.Platform.GetFlowDetails(ctx, remoteID)
	if err != nil {
		return Result{}, p.remoteFailure(ctx, rec, "read status", err, actorID)
	}
	previewURL, err := p.Platform.GetFlowPreview(ctx, remoteID)
	if err != nil {
		return Result{}, p.remoteFailure(ctx, rec, "read preview", err, actorID)
	}
	if len(details.ValidationErrors) > 0 {
		validationErrors = details.ValidationErrors
	}

	now := p.now().UTC().Format(time.RFC3339)
	st := domain.RemoteState{
		RemoteFlowID:     rec.RemoteFlowID,
		RemoteStatus:     &details.Status,
		RemotePreviewURL: &previewURL,
		LastCheckedAt:    &now,
		PublishedAt:      rec.PublishedAt,
	}
	if len(validationErrors) > 0 {
		if data, err := json.Marshal(validationErrors); err == nil {
			s := string(data)
			st.RemoteValidationJSON = &s
		}
	}
	if details.Status == domain.StatusPublished && rec.PublishedAt == nil {
		st.PublishedAt = &now
	}
	if err := p.persist(ctx, rec.ID, st, actorID, eventType, events.EventPayload{
		"remote_flow_id": remoteID,
		"status":         details.Status,
	}); err != nil {
		return Result{}, err
	}
	return Result{
		RemoteFlowID:     remoteID,
		RemoteStatus:     details.Status,
		PreviewURL:       previewURL,
		ValidationErrors: validationErrors,
	}, nil
}

// remoteFailure classifies a platform error, recovers partial success where
// the payload allows it, persists diagnostics, and wraps everything for the
// caller. Best-effort: persistence problems never mask the remote error.
func (p Publisher) remoteFailure(ctx context.Context, rec *domain.FlowRecord, op string, err error, actorID string) error {
	apiErr := asAPIError(err)
	if apiErr == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c := classify.ClassifyWithRecovery(ctx, apiErr, op, p.Platform)
	if c.RecoveredFlowID != "" && rec.RemoteFlowID == nil {
		// The flow exists remotely even though the call failed; adopt it so
		// the next attempt goes down the update path.
		id := c.RecoveredFlowID
		rec.RemoteFlowID = &id
	}
	now := p.now().UTC().Format(time.RFC3339)
	st := domain.RemoteState{
		RemoteFlowID:     rec.RemoteFlowID,
		RemoteStatus:     rec.RemoteStatus,
		RemotePreviewURL: rec.RemotePreviewURL,
		LastCheckedAt:    &now,
		PublishedAt:      rec.PublishedAt,
	}
	if rec.RemoteFlowID != nil && rec.RemoteStatus == nil {
		draft := domain.StatusDraft
		st.RemoteStatus = &draft
	}
	if len(c.ValidationErrors) > 0 {
		if data, err := json.Marshal(c.ValidationErrors); err == nil {
			s := string(data)
			st.RemoteValidationJSON = &s
		}
	}
	_ = p.persist(ctx, rec.ID, st, actorID, "flow.publish.failed", events.EventPayload{
		"op":       op,
		"category": string(c.Category),
		"message":  c.Message,
	})
	return &RemoteError{Op: op, API: apiErr, Classification: c}
}

func (p Publisher) persistStatus(ctx context.Context, rec *domain.FlowRecord, details platform.FlowDetails, actorID string) {
	now := p.now().UTC().Format(time.RFC3339)
	st := domain.RemoteState{
		RemoteFlowID:         rec.RemoteFlowID,
		RemoteStatus:         &details.Status,
		RemotePreviewURL:     rec.RemotePreviewURL,
		RemoteValidationJSON: rec.RemoteValidationJSON,
		LastCheckedAt:        &now,
		PublishedAt:          rec.PublishedAt,
	}
	if details.Status == domain.StatusPublished && rec.PublishedAt == nil {
		st.PublishedAt = &now
	}
	_ = p.persist(ctx, rec.ID, st, actorID, "flow.status.checked", events.EventPayload{"status": details.Status})
}

func (p Publisher) persistLocalFailure(ctx context.Context, rec *domain.FlowRecord, vres flowdoc.ValidationResult, actorID string) {
	now := p.now().UTC().Format(time.RFC3339)
	st := domain.RemoteState{
		RemoteFlowID:     rec.RemoteFlowID,
		RemoteStatus:     rec.RemoteStatus,
		RemotePreviewURL: rec.RemotePreviewURL,
		LastCheckedAt:    &now,
		PublishedAt:      rec.PublishedAt,
	}
	if data, err := json.Marshal(vres.Errors); err == nil {
		s := string(data)
		st.RemoteValidationJSON = &s
	}
	_ = p.persist(ctx, rec.ID, st, actorID, "flow.validation.failed", events.EventPayload{
		"errors":   len(vres.Errors),
		"warnings": len(vres.Warnings),
	})
}

func (p Publisher) persist(ctx context.Context, flowID string, st domain.RemoteState, actorID, eventType string, payload events.EventPayload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := p.now().UTC().Format(time.RFC3339)
	if err := p.Repo.UpdateFlowRemoteStateTx(ctx, tx, flowID, st, now); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, eventType, flowID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Rename renames a flow record. Renaming a published record is the one
// explicit escape hatch from remote immutability: it clears the remote
// identity so the record can be created fresh under the new name. Other edits
// to published records are rejected elsewhere.
func (p Publisher) Rename(ctx context.Context, id, newName, actorID string) (domain.FlowRecord, error) {
	rec, err := p.Repo.GetFlow(ctx, id)
	if err != nil {
		return rec, err
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	now := p.now().UTC().Format(time.RFC3339)
	wasPublished := rec.RemoteStatus != nil && *rec.RemoteStatus == domain.StatusPublished
	if err := p.Repo.UpdateFlowContent(ctx, tx, id, repo.FlowContentUpdate{Name: &newName, UpdatedAt: now}); err != nil {
		return rec, err
	}
	payload := events.EventPayload{"from": rec.Name, "to": newName}
	if wasPublished {
		if err := p.Repo.ClearRemoteIdentity(ctx, tx, id, now); err != nil {
			return rec, err
		}
		payload["remote_identity_cleared"] = true
	}
	if err := p.Events.Append(ctx, tx, "flow.renamed", id, actorID, payload); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return p.Repo.GetFlow(ctx, id)
}

// SyncKeys reconciles the configured public key for the channel outside of
// any publish attempt.
func (p Publisher) SyncKeys(ctx context.Context, actorID string) (keys.State, error) {
	if p.Config == nil {
		return keys.State{}, errors.New("config not loaded")
	}
	localKey, err := p.Config.LoadPublicKey()
	if err != nil {
		return keys.State{}, ConfigurationError{Reason: err.Error()}
	}
	rec := keys.Reconciler{Platform: p.Platform}
	state, err := rec.Reconcile(ctx, p.Config.Platform.ChannelID, localKey)
	if err != nil {
		if errors.Is(err, keys.ErrNoLocalKey) {
			return state, ConfigurationError{Reason: "no public key configured"}
		}
		return state, err
	}
	tx, txErr := p.DB.BeginTx(ctx, nil)
	if txErr != nil {
		return state, txErr
	}
	defer tx.Rollback()
	if err := p.Events.Append(ctx, tx, "key.synced", "", actorID, events.EventPayload{
		"fingerprint": state.LocalFingerprint,
		"registered":  state.Registered,
	}); err != nil {
		return state, err
	}
	return state, tx.Commit()
}

// ValidateRecord runs the local entry gate for a record without touching the
// remote platform.
func (p Publisher) ValidateRecord(ctx context.Context, id string) (flowdoc.ValidationResult, error) {
	rec, err := p.Repo.GetFlow(ctx, id)
	if err != nil {
		return flowdoc.ValidationResult{}, err
	}
	_, vres, err := p.submissionFor(ctx, &rec)
	return vres, err
}

func asAPIError(err error) *platform.APIError {
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
