package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler is a minimal handler for dispatch tests.
type recordingHandler struct {
	name      string
	kind      Kind
	handled   []Trigger
	followups []Trigger
	err       error
	panics    bool
}

func (h *recordingHandler) Name() string            { return h.name }
func (h *recordingHandler) CanHandle(t Trigger) bool { return t.Kind() == h.kind }

func (h *recordingHandler) Handle(ctx context.Context, t Trigger) ([]Trigger, error) {
	if h.panics {
		panic("boom")
	}
	h.handled = append(h.handled, t)
	return h.followups, h.err
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	advisories := &recordingHandler{name: "advisories", kind: KindAdvisoryShipped}
	builds := &recordingHandler{name: "builds", kind: KindBuildStateChange}
	d := NewDispatcher(NewQueue(8), []Handler{advisories, builds})

	d.DispatchOne(context.Background(), NewAdvisoryShipped("m1", 42, "RHSA-2024:0001"))
	d.DispatchOne(context.Background(), NewBuildStateChange("m2", 7, "closed"))

	require.Len(t, advisories.handled, 1)
	assert.Equal(t, "m1", advisories.handled[0].ID())
	require.Len(t, builds.handled, 1)
	assert.Equal(t, "m2", builds.handled[0].ID())
}

func TestDispatcher_HandlersRunInRegistrationOrder(t *testing.T) {
	var order []string
	first := &orderedHandler{name: "first", order: &order}
	second := &orderedHandler{name: "second", order: &order}
	d := NewDispatcher(NewQueue(8), []Handler{first, second})

	d.DispatchOne(context.Background(), NewAdvisoryShipped("m1", 1, "RHSA"))

	assert.Equal(t, []string{"first", "second"}, order)
}

type orderedHandler struct {
	name  string
	order *[]string
}

func (h *orderedHandler) Name() string             { return h.name }
func (h *orderedHandler) CanHandle(t Trigger) bool { return true }
func (h *orderedHandler) Handle(ctx context.Context, t Trigger) ([]Trigger, error) {
	*h.order = append(*h.order, h.name)
	return nil, nil
}

func TestDispatcher_EnqueuesFollowups(t *testing.T) {
	followup := NewBuildStateChange("m2", 7, "closed")
	h := &recordingHandler{name: "h", kind: KindManualRebuild, followups: []Trigger{followup}}
	queue := NewQueue(8)
	d := NewDispatcher(queue, []Handler{h})

	d.DispatchOne(context.Background(), NewManualRebuild("m1", 42, "RHSA"))

	require.Equal(t, 1, queue.Len())
	got, err := queue.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m2", got.ID())
}

func TestDispatcher_HandlerErrorDoesNotStopOthers(t *testing.T) {
	failing := &recordingHandler{name: "failing", kind: KindAdvisoryShipped, err: errors.New("nope")}
	next := &recordingHandler{name: "next", kind: KindAdvisoryShipped}
	d := NewDispatcher(NewQueue(8), []Handler{failing, next})

	d.DispatchOne(context.Background(), NewAdvisoryShipped("m1", 1, "RHSA"))

	assert.Len(t, next.handled, 1)
}

func TestDispatcher_ContainsPanics(t *testing.T) {
	panicking := &recordingHandler{name: "panicking", kind: KindAdvisoryShipped, panics: true}
	next := &recordingHandler{name: "next", kind: KindAdvisoryShipped}
	d := NewDispatcher(NewQueue(8), []Handler{panicking, next})

	assert.NotPanics(t, func() {
		d.DispatchOne(context.Background(), NewAdvisoryShipped("m1", 1, "RHSA"))
	})
	assert.Len(t, next.handled, 1)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.Put(NewAdvisoryShipped("m1", 1, "a")))
	require.NoError(t, q.Put(NewAdvisoryShipped("m2", 2, "b")))

	first, err := q.Get(context.Background())
	require.NoError(t, err)
	second, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", first.ID())
	assert.Equal(t, "m2", second.ID())
}

func TestQueue_PutFullQueue(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Put(NewAdvisoryShipped("m1", 1, "a")))
	assert.Error(t, q.Put(NewAdvisoryShipped("m2", 2, "b")))
}

func TestQueue_GetHonorsContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
