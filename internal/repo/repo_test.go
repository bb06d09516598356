package repo

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"testing"

	"flowdeck/internal/db"
	"flowdeck/internal/domain"
	"flowdeck/internal/events"
	"flowdeck/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}, conn
}

func sampleFlow(id, name string) domain.FlowRecord {
	return domain.FlowRecord{
		ID:            id,
		Name:          name,
		Categories:    []string{"CONTACT_US"},
		AuthoringJSON: `{"version":"7.2","screens":[]}`,
		CreatedAt:     "2026-03-01T12:00:00Z",
		UpdatedAt:     "2026-03-01T12:00:00Z",
	}
}

func TestInsertAndGetFlow(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	want := sampleFlow("f1", "contact")
	if err := r.InsertFlow(ctx, want); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetFlow(ctx, "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != want.Name || got.AuthoringJSON != want.AuthoringJSON {
		t.Fatalf("got %+v", got)
	}
	if !reflect.DeepEqual(got.Categories, want.Categories) {
		t.Fatalf("categories = %v", got.Categories)
	}
	if got.RemoteFlowID != nil || got.SubmissionJSON != nil {
		t.Fatalf("fresh record must have no remote state: %+v", got)
	}

	byName, err := r.GetFlowByName(ctx, "contact")
	if err != nil || byName.ID != "f1" {
		t.Fatalf("by name: %+v, %v", byName, err)
	}
}

func TestInsertFlowDuplicateName(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertFlow(ctx, sampleFlow("f1", "dup")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.InsertFlow(ctx, sampleFlow("f2", "dup"))
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("err = %v", err)
	}
}

func TestGetFlowNotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	if _, err := r.GetFlow(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateFlowContentPartial(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	rec := sampleFlow("f1", "contact")
	sub := `{"cached":true}`
	rec.SubmissionJSON = &sub
	if err := r.InsertFlow(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	inTx := func(fn func(tx *sql.Tx) error) {
		t.Helper()
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			t.Fatalf("update: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	// Categories only: everything else untouched.
	inTx(func(tx *sql.Tx) error {
		return r.UpdateFlowContent(ctx, tx, "f1", FlowContentUpdate{
			Categories: []string{"SURVEY", "OTHER"},
			UpdatedAt:  "2026-03-01T13:00:00Z",
		})
	})
	got, _ := r.GetFlow(ctx, "f1")
	if !reflect.DeepEqual(got.Categories, []string{"SURVEY", "OTHER"}) {
		t.Fatalf("categories = %v", got.Categories)
	}
	if got.SubmissionJSON == nil {
		t.Fatal("submission cache must survive a categories-only update")
	}

	// A document update stores the new document and drops the stale cache.
	doc := `{"version":"7.2","screens":[{"id":"A"}]}`
	empty := ""
	inTx(func(tx *sql.Tx) error {
		return r.UpdateFlowContent(ctx, tx, "f1", FlowContentUpdate{
			AuthoringJSON:  &doc,
			SubmissionJSON: &empty,
			UpdatedAt:      "2026-03-01T14:00:00Z",
		})
	})
	got, _ = r.GetFlow(ctx, "f1")
	if got.AuthoringJSON != doc {
		t.Fatalf("document = %s", got.AuthoringJSON)
	}
	if got.SubmissionJSON != nil {
		t.Fatal("empty submission must be stored as NULL")
	}
	if got.UpdatedAt != "2026-03-01T14:00:00Z" {
		t.Fatalf("updated_at = %s", got.UpdatedAt)
	}
}

func TestUpdateFlowRemoteStateAndClear(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertFlow(ctx, sampleFlow("f1", "contact")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	remoteID, status, preview := "900100", domain.StatusPublished, "https://p/900100"
	now := "2026-03-01T15:00:00Z"
	st := domain.RemoteState{
		RemoteFlowID:     &remoteID,
		RemoteStatus:     &status,
		RemotePreviewURL: &preview,
		LastCheckedAt:    &now,
		PublishedAt:      &now,
	}
	if err := r.UpdateFlowRemoteState(ctx, "f1", st, now); err != nil {
		t.Fatalf("update remote state: %v", err)
	}
	got, _ := r.GetFlow(ctx, "f1")
	if got.RemoteFlowID == nil || *got.RemoteFlowID != remoteID || got.PublishedAt == nil {
		t.Fatalf("remote state not persisted: %+v", got)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.ClearRemoteIdentity(ctx, tx, "f1", "2026-03-01T16:00:00Z"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = r.GetFlow(ctx, "f1")
	if got.RemoteFlowID != nil || got.RemoteStatus != nil || got.RemotePreviewURL != nil || got.PublishedAt != nil {
		t.Fatalf("remote identity must be fully cleared: %+v", got)
	}

	if err := r.UpdateFlowRemoteState(ctx, "missing", st, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing record err = %v", err)
	}
}

func TestListEventsNewestFirstWithFilter(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	for _, f := range []domain.FlowRecord{sampleFlow("f1", "a"), sampleFlow("f2", "b")} {
		if err := r.InsertFlow(ctx, f); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	w := events.Writer{DB: conn}
	record := func(evtType, flowID string) {
		t.Helper()
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := w.Append(ctx, tx, evtType, flowID, "tester", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	record("flow.created", "f1")
	record("flow.created", "f2")
	record("flow.updated", "f1")

	all, err := r.ListEvents(ctx, 0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != "flow.updated" {
		t.Fatalf("newest first, got %s", all[0].Type)
	}

	scoped, err := r.ListEvents(ctx, 10, "f1")
	if err != nil {
		t.Fatalf("list scoped: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 events for f1, got %d", len(scoped))
	}
	for _, e := range scoped {
		if e.FlowID != "f1" {
			t.Fatalf("leaked event %+v", e)
		}
	}

	limited, err := r.ListEvents(ctx, 1, "")
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit: %v, %d", err, len(limited))
	}
}

func TestAPIKeyRoundtrip(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	key := "fd_live_secret"
	k := domain.APIKey{
		ID:        "k1",
		ActorID:   "service-bot",
		Name:      "ci",
		KeyHash:   HashAPIKey(key),
		CreatedAt: "2026-03-01T12:00:00Z",
	}
	if err := r.InsertAPIKey(ctx, k); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(key))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActorID != "service-bot" || got.Name != "ci" {
		t.Fatalf("got %+v", got)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong key err = %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete err = %v", err)
	}
}
