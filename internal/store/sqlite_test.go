package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/rebuildd/internal/state"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_GetOrCreateEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, created, err := s.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, state.EventStateInitialized, ev.State)
	assert.NotZero(t, ev.ID)

	again, created, err := s.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.ID, again.ID)
}

func TestSQLite_UpdateEventState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, _, err := s.GetOrCreateEvent(ctx, "msg-1", "12345", "advisory.shipped")
	require.NoError(t, err)

	require.NoError(t, s.UpdateEventState(ctx, ev.ID, state.EventStateBuilding, "builds submitted"))
	got, err := s.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, state.EventStateBuilding, got.State)
	assert.Nil(t, got.TimeDone)

	require.NoError(t, s.UpdateEventState(ctx, ev.ID, state.EventStateComplete, "2 container images rebuilt"))
	got, err = s.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, state.EventStateComplete, got.State)
	assert.NotNil(t, got.TimeDone)
}

func TestSQLite_UnfinishedEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	open, _, err := s.GetOrCreateEvent(ctx, "msg-1", "1", "advisory.shipped")
	require.NoError(t, err)
	closed, _, err := s.GetOrCreateEvent(ctx, "msg-2", "2", "advisory.shipped")
	require.NoError(t, err)
	require.NoError(t, s.UpdateEventState(ctx, closed.ID, state.EventStateSkipped, "nothing to do"))

	events, err := s.UnfinishedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, open.ID, events[0].ID)
}

func TestSQLite_BuildRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, _, err := s.GetOrCreateEvent(ctx, "msg-1", "1", "advisory.shipped")
	require.NoError(t, err)

	parent := &state.ArtifactBuild{
		EventID:     ev.ID,
		Name:        "s2i-base",
		Kind:        state.ArtifactKindImage,
		State:       state.BuildStatePlanned,
		OriginalNVR: "s2i-base-1-5",
		RebuiltNVR:  "s2i-base-1-5.1600000000",
		Args:        state.BuildArgs{Source: "git://dist-git/s2i-base", Branch: "rhel-7", Target: "rhel-7-candidate"},
	}
	require.NoError(t, s.CreateBuild(ctx, parent))
	require.NotZero(t, parent.ID)

	child := &state.ArtifactBuild{
		EventID:     ev.ID,
		Name:        "httpd",
		Kind:        state.ArtifactKindImage,
		State:       state.BuildStatePlanned,
		DepOnID:     &parent.ID,
		OriginalNVR: "httpd-2.4-12",
		RebuiltNVR:  "httpd-2.4-12.1600000000",
		Args:        state.BuildArgs{Source: "git://dist-git/httpd", ParentNVR: "s2i-base-1-5.1600000000"},
	}
	require.NoError(t, s.CreateBuild(ctx, child))

	got, err := s.BuildByID(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "httpd", got.Name)
	require.NotNil(t, got.DepOnID)
	assert.Equal(t, parent.ID, *got.DepOnID)
	assert.Equal(t, "git://dist-git/httpd", got.Args.Source)

	deps, err := s.BuildsDependingOn(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, child.ID, deps[0].ID)

	all, err := s.BuildsByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := s.BuildsByIDs(ctx, []int64{parent.ID})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "s2i-base", some[0].Name)
}

func TestSQLite_TaskLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, _, err := s.GetOrCreateEvent(ctx, "msg-1", "1", "advisory.shipped")
	require.NoError(t, err)
	b := &state.ArtifactBuild{
		EventID: ev.ID, Name: "httpd", Kind: state.ArtifactKindImage,
		State: state.BuildStatePlanned, OriginalNVR: "httpd-2.4-12", RebuiltNVR: "httpd-2.4-12.1",
	}
	require.NoError(t, s.CreateBuild(ctx, b))

	missing, err := s.BuildByTaskID(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.SetBuildTask(ctx, b.ID, 999))
	found, err := s.BuildByTaskID(ctx, 999)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, b.ID, found.ID)
}

func TestSQLite_UpdateBuildStateAndArgs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, _, err := s.GetOrCreateEvent(ctx, "msg-1", "1", "advisory.shipped")
	require.NoError(t, err)
	b := &state.ArtifactBuild{
		EventID: ev.ID, Name: "httpd", Kind: state.ArtifactKindImage,
		State: state.BuildStatePlanned, OriginalNVR: "httpd-2.4-12", RebuiltNVR: "httpd-2.4-12.1",
	}
	require.NoError(t, s.CreateBuild(ctx, b))

	require.NoError(t, s.UpdateBuildState(ctx, b.ID, state.BuildStateBuild, "submitted"))
	b.Args.RetryCount = 2
	require.NoError(t, s.UpdateBuildArgs(ctx, b.ID, b.Args))

	got, err := s.BuildByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, state.BuildStateBuild, got.State)
	assert.Equal(t, "submitted", got.StateReason)
	assert.Equal(t, 2, got.Args.RetryCount)
}

func TestSQLite_Composes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, _, err := s.GetOrCreateEvent(ctx, "msg-1", "1", "advisory.shipped")
	require.NoError(t, err)
	first := &state.ArtifactBuild{
		EventID: ev.ID, Name: "httpd", Kind: state.ArtifactKindImage,
		State: state.BuildStatePlanned, OriginalNVR: "httpd-2.4-12", RebuiltNVR: "httpd-2.4-12.1",
	}
	second := &state.ArtifactBuild{
		EventID: ev.ID, Name: "nginx", Kind: state.ArtifactKindImage,
		State: state.BuildStatePlanned, OriginalNVR: "nginx-1.14-3", RebuiltNVR: "nginx-1.14-3.1",
	}
	require.NoError(t, s.CreateBuild(ctx, first))
	require.NoError(t, s.CreateBuild(ctx, second))

	// Two builds share compose 100; one also waits for compose 200.
	require.NoError(t, s.AttachCompose(ctx, first.ID, 100, false))
	require.NoError(t, s.AttachCompose(ctx, second.ID, 100, false))
	require.NoError(t, s.AttachCompose(ctx, first.ID, 200, true))

	got, err := s.BuildByID(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, got.Composes, 2)
	assert.False(t, got.ComposesReady())

	waiting, err := s.BuildsWaitingForCompose(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	require.NoError(t, s.MarkComposeReady(ctx, 100))
	got, err = s.BuildByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.ComposesReady())

	// Builds no longer PLANNED stop waiting.
	require.NoError(t, s.UpdateBuildState(ctx, first.ID, state.BuildStateBuild, "submitted"))
	waiting, err = s.BuildsWaitingForCompose(ctx, 100)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, second.ID, waiting[0].ID)
}
