package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowdeck/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const flowColumns = `id,name,categories_json,authoring_json,form_spec_json,submission_json,
remote_flow_id,remote_status,remote_preview_url,remote_validation_json,last_checked_at,published_at,
created_at,updated_at`

func scanFlow(scan func(...any) error) (domain.FlowRecord, error) {
	var f domain.FlowRecord
	var categories, formSpec, submission, remoteID, remoteStatus, previewURL, remoteValidation, lastChecked, publishedAt sql.NullString
	err := scan(&f.ID, &f.Name, &categories, &f.AuthoringJSON, &formSpec, &submission,
		&remoteID, &remoteStatus, &previewURL, &remoteValidation, &lastChecked, &publishedAt,
		&f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if categories.Valid && categories.String != "" {
		_ = json.Unmarshal([]byte(categories.String), &f.Categories)
	}
	f.FormSpecJSON = optional(formSpec)
	f.SubmissionJSON = optional(submission)
	f.RemoteFlowID = optional(remoteID)
	f.RemoteStatus = optional(remoteStatus)
	f.RemotePreviewURL = optional(previewURL)
	f.RemoteValidationJSON = optional(remoteValidation)
	f.LastCheckedAt = optional(lastChecked)
	f.PublishedAt = optional(publishedAt)
	return f, nil
}

func (r Repo) InsertFlow(ctx context.Context, f domain.FlowRecord) error {
	categories, err := marshalStringSlice(f.Categories)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO flows(id,name,categories_json,authoring_json,form_spec_json,submission_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.Name, nullablePtr(categories), f.AuthoringJSON, nullablePtr(f.FormSpecJSON), nullablePtr(f.SubmissionJSON), f.CreatedAt, f.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("flow name %q already exists", f.Name)
	}
	return err
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.FlowRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id=?`, id)
	return scanFlow(row.Scan)
}

func (r Repo) GetFlowByName(ctx context.Context, name string) (domain.FlowRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE name=?`, name)
	return scanFlow(row.Scan)
}

func (r Repo) ListFlows(ctx context.Context) ([]domain.FlowRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowRecord
	for rows.Next() {
		f, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// FlowContentUpdate is a partial update of the authorable fields. Nil means
// leave unchanged.
type FlowContentUpdate struct {
	Name           *string
	Categories     []string
	AuthoringJSON  *string
	FormSpecJSON   *string
	SubmissionJSON *string
	UpdatedAt      string
}

func (r Repo) UpdateFlowContent(ctx context.Context, tx *sql.Tx, id string, upd FlowContentUpdate) error {
	var (
		fields []string
		args   []any
	)
	if upd.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *upd.Name)
	}
	if upd.Categories != nil {
		categories, err := marshalStringSlice(upd.Categories)
		if err != nil {
			return err
		}
		fields = append(fields, "categories_json=?")
		args = append(args, nullablePtr(categories))
	}
	if upd.AuthoringJSON != nil {
		fields = append(fields, "authoring_json=?")
		args = append(args, *upd.AuthoringJSON)
	}
	if upd.FormSpecJSON != nil {
		fields = append(fields, "form_spec_json=?")
		args = append(args, nullable(*upd.FormSpecJSON))
	}
	if upd.SubmissionJSON != nil {
		fields = append(fields, "submission_json=?")
		args = append(args, nullable(*upd.SubmissionJSON))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, upd.UpdatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE flows SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFlowRemoteState persists the publisher's terminal state in one atomic
// write, so a crash between remote calls and persistence never leaves a
// half-written record.
func (r Repo) UpdateFlowRemoteState(ctx context.Context, id string, st domain.RemoteState, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE flows SET
remote_flow_id=?, remote_status=?, remote_preview_url=?, remote_validation_json=?, last_checked_at=?, published_at=?, updated_at=?
WHERE id=?`,
		nullablePtr(st.RemoteFlowID), nullablePtr(st.RemoteStatus), nullablePtr(st.RemotePreviewURL),
		nullablePtr(st.RemoteValidationJSON), nullablePtr(st.LastCheckedAt), nullablePtr(st.PublishedAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFlowRemoteStateTx is UpdateFlowRemoteState inside a caller-owned
// transaction, for callers that also append events atomically.
func (r Repo) UpdateFlowRemoteStateTx(ctx context.Context, tx *sql.Tx, id string, st domain.RemoteState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE flows SET
remote_flow_id=?, remote_status=?, remote_preview_url=?, remote_validation_json=?, last_checked_at=?, published_at=?, updated_at=?
WHERE id=?`,
		nullablePtr(st.RemoteFlowID), nullablePtr(st.RemoteStatus), nullablePtr(st.RemotePreviewURL),
		nullablePtr(st.RemoteValidationJSON), nullablePtr(st.LastCheckedAt), nullablePtr(st.PublishedAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubmissionCache stores the derived submission document.
func (r Repo) UpdateSubmissionCache(ctx context.Context, id, submissionJSON, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE flows SET submission_json=?, updated_at=? WHERE id=?`, submissionJSON, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRemoteIdentity detaches a record from its remote flow. Used only by the
// explicit rename-after-publish reset.
func (r Repo) ClearRemoteIdentity(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE flows SET
remote_flow_id=NULL, remote_status=NULL, remote_preview_url=NULL, remote_validation_json=NULL, published_at=NULL, updated_at=?
WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteFlow(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM flows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns recent events, newest first, optionally scoped to a flow.
func (r Repo) ListEvents(ctx context.Context, limit int, flowID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if flowID != "" {
		clauses = append(clauses, "flow_id=?")
		args = append(args, flowID)
	}
	query := `SELECT id,ts,type,COALESCE(flow_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FlowID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
