package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/store"
	"github.com/opsforge/rebuildd/internal/trigger"
)

func newTestServer(t *testing.T) (*Server, *store.SQLite, *trigger.Queue) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	queue := trigger.NewQueue(8)
	return New(db, queue), db, queue
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ListAndGetEvents(t *testing.T) {
	s, db, _ := newTestServer(t)
	ctx := context.Background()

	ev, _, err := db.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)
	b := &state.ArtifactBuild{
		EventID: ev.ID, Name: "httpd", Kind: state.ArtifactKindImage,
		State: state.BuildStatePlanned, OriginalNVR: "httpd-2.4-12", RebuiltNVR: "httpd-2.4-12.1",
	}
	require.NoError(t, db.CreateBuild(ctx, b))

	rec := do(s, http.MethodGet, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "12345", list[0]["search_key"])

	rec = do(s, http.MethodGet, "/api/v1/events/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	builds, ok := view["builds"].([]any)
	require.True(t, ok)
	assert.Len(t, builds, 1)

	rec = do(s, http.MethodGet, "/api/v1/events/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/events/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetBuild(t *testing.T) {
	s, db, _ := newTestServer(t)
	ctx := context.Background()

	ev, _, err := db.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)
	b := &state.ArtifactBuild{
		EventID: ev.ID, Name: "httpd", Kind: state.ArtifactKindImage,
		State: state.BuildStatePlanned, OriginalNVR: "httpd-2.4-12", RebuiltNVR: "httpd-2.4-12.1",
	}
	require.NoError(t, db.CreateBuild(ctx, b))

	rec := do(s, http.MethodGet, "/api/v1/builds/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "httpd", view["name"])
	assert.Equal(t, "PLANNED", view["state"])

	rec = do(s, http.MethodGet, "/api/v1/builds/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RequestRebuild(t *testing.T) {
	s, _, queue := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/v1/rebuilds", `{"advisory_id": 12345, "advisory_name": "RHSA-2024:0001"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Equal(t, 1, queue.Len())
	got, err := queue.Get(context.Background())
	require.NoError(t, err)
	manual, ok := got.(trigger.ManualRebuild)
	require.True(t, ok)
	assert.Equal(t, int64(12345), manual.AdvisoryID)
	assert.Equal(t, "RHSA-2024:0001", manual.AdvisoryName)
}

func TestServer_RequestRebuild_MissingAdvisoryID(t *testing.T) {
	s, _, queue := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/v1/rebuilds", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, queue.Len())
}

func TestServer_CancelEvent(t *testing.T) {
	s, db, queue := newTestServer(t)
	ctx := context.Background()

	ev, _, err := db.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)
	running := &state.ArtifactBuild{
		EventID: ev.ID, Name: "httpd", Kind: state.ArtifactKindImage,
		State: state.BuildStateBuild, OriginalNVR: "httpd-2.4-12", RebuiltNVR: "httpd-2.4-12.1",
	}
	finished := &state.ArtifactBuild{
		EventID: ev.ID, Name: "nginx", Kind: state.ArtifactKindImage,
		State: state.BuildStateDone, OriginalNVR: "nginx-1.14-3", RebuiltNVR: "nginx-1.14-3.1",
	}
	require.NoError(t, db.CreateBuild(ctx, running))
	require.NoError(t, db.CreateBuild(ctx, finished))

	rec := do(s, http.MethodPost, "/api/v1/events/1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := queue.Get(ctx)
	require.NoError(t, err)
	manage, ok := got.(trigger.Manage)
	require.True(t, ok)
	assert.Equal(t, trigger.ActionCancelEvent, manage.Action)
	// Only the unfinished build is targeted.
	assert.Equal(t, []int64{running.ID}, manage.BuildIDs)
}

func TestServer_CancelEvent_FinishedEventConflicts(t *testing.T) {
	s, db, _ := newTestServer(t)
	ctx := context.Background()

	ev, _, err := db.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)
	require.NoError(t, db.UpdateEventState(ctx, ev.ID, state.EventStateComplete, "done"))

	rec := do(s, http.MethodPost, "/api/v1/events/1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
