// Package server exposes the read-only status API and the manual
// operation endpoints over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/trigger"
)

// Server serves event and build status from the store and accepts
// manual rebuild and cancel requests by enqueueing triggers.
type Server struct {
	echo  *echo.Echo
	store state.Store
	queue *trigger.Queue
}

func New(store state.Store, queue *trigger.Queue) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: store, queue: queue}

	e.GET("/healthz", s.health)
	api := e.Group("/api/v1")
	api.GET("/events", s.listEvents)
	api.GET("/events/:id", s.getEvent)
	api.GET("/builds/:id", s.getBuild)
	api.POST("/rebuilds", s.requestRebuild)
	api.POST("/events/:id/cancel", s.cancelEvent)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("Starting status API")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type eventView struct {
	ID          int64        `json:"id"`
	MessageID   string       `json:"message_id"`
	SearchKey   string       `json:"search_key"`
	Kind        string       `json:"kind"`
	State       string       `json:"state"`
	StateReason string       `json:"state_reason"`
	TimeCreated time.Time    `json:"time_created"`
	TimeDone    *time.Time   `json:"time_done,omitempty"`
	Builds      []*buildView `json:"builds,omitempty"`
}

type buildView struct {
	ID          int64  `json:"id"`
	EventID     int64  `json:"event_id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	StateReason string `json:"state_reason"`
	DepOnID     *int64 `json:"dep_on_id,omitempty"`
	OriginalNVR string `json:"original_nvr"`
	RebuiltNVR  string `json:"rebuilt_nvr"`
	TaskID      int64  `json:"task_id,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
}

func viewOfEvent(ev *state.Event) *eventView {
	return &eventView{
		ID:          ev.ID,
		MessageID:   ev.MessageID,
		SearchKey:   ev.SearchKey,
		Kind:        ev.Kind,
		State:       string(ev.State),
		StateReason: ev.StateReason,
		TimeCreated: ev.TimeCreated,
		TimeDone:    ev.TimeDone,
	}
}

func viewOfBuild(b *state.ArtifactBuild) *buildView {
	return &buildView{
		ID:          b.ID,
		EventID:     b.EventID,
		Name:        b.Name,
		State:       string(b.State),
		StateReason: b.StateReason,
		DepOnID:     b.DepOnID,
		OriginalNVR: b.OriginalNVR,
		RebuiltNVR:  b.RebuiltNVR,
		TaskID:      b.TaskID,
		RetryCount:  b.Args.RetryCount,
	}
}

func (s *Server) listEvents(c echo.Context) error {
	events, err := s.store.ListEvents(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]*eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, viewOfEvent(ev))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) getEvent(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	ctx := c.Request().Context()
	ev, err := s.store.EventByID(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	builds, err := s.store.BuildsByEvent(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	view := viewOfEvent(ev)
	for _, b := range builds {
		view.Builds = append(view.Builds, viewOfBuild(b))
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) getBuild(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid build id")
	}
	b, err := s.store.BuildByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, viewOfBuild(b))
}

type rebuildRequest struct {
	AdvisoryID   int64  `json:"advisory_id"`
	AdvisoryName string `json:"advisory_name"`
}

func (s *Server) requestRebuild(c echo.Context) error {
	var req rebuildRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AdvisoryID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "advisory_id is required")
	}
	t := trigger.NewManualRebuild(trigger.NewID(), req.AdvisoryID, req.AdvisoryName)
	if err := s.queue.Put(t); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message_id": t.ID()})
}

func (s *Server) cancelEvent(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	ctx := c.Request().Context()
	ev, err := s.store.EventByID(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if ev.State.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "event already finished")
	}
	builds, err := s.store.BuildsByEvent(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var ids []int64
	for _, b := range builds {
		if !b.State.Terminal() {
			ids = append(ids, b.ID)
		}
	}
	if len(ids) == 0 {
		return echo.NewHTTPError(http.StatusConflict, "no unfinished builds to cancel")
	}
	t := trigger.NewManage(trigger.NewID(), trigger.ActionCancelEvent, ids)
	if err := s.queue.Put(t); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"message_id": t.ID(),
		"build_ids":  ids,
	})
}
