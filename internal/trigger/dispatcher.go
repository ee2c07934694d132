package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler processes triggers it declares interest in. Handle may return
// follow-up triggers; the dispatcher pushes them back onto the ingestion
// queue so multi-hop workflows stay ordinary queue traffic.
type Handler interface {
	Name() string
	CanHandle(t Trigger) bool
	Handle(ctx context.Context, t Trigger) ([]Trigger, error)
}

// Dispatcher owns the ordered handler registry and the dispatch loop.
// The registry is built once at startup and passed in; nothing registers
// handlers behind the dispatcher's back.
type Dispatcher struct {
	queue    *Queue
	handlers []Handler
}

// NewDispatcher creates a dispatcher over the given queue and ordered
// handler list.
func NewDispatcher(queue *Queue, handlers []Handler) *Dispatcher {
	return &Dispatcher{queue: queue, handlers: handlers}
}

// Queue exposes the ingestion queue for producers.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// Run consumes triggers until the context is canceled. One trigger is
// dispatched at a time; every handler whose CanHandle returns true runs
// in registration order. Handler errors are contained here so a bad
// trigger never kills the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Int("handlers", len(d.handlers)).Msg("Starting trigger dispatcher")
	for {
		t, err := d.queue.Get(ctx)
		if err != nil {
			log.Info().Msg("Trigger dispatcher stopped")
			return err
		}
		d.dispatch(ctx, t)
	}
}

// DispatchOne routes a single trigger through the registry. Exposed for
// callers that drive dispatch themselves.
func (d *Dispatcher) DispatchOne(ctx context.Context, t Trigger) {
	d.dispatch(ctx, t)
}

func (d *Dispatcher) dispatch(ctx context.Context, t Trigger) {
	for _, h := range d.handlers {
		if !h.CanHandle(t) {
			continue
		}
		start := time.Now()
		followups, err := d.safeHandle(ctx, h, t)
		if err != nil {
			log.Error().
				Err(err).
				Str("handler", h.Name()).
				Str("trigger_id", t.ID()).
				Str("kind", string(t.Kind())).
				Msg("Handler failed, trigger state left for retry")
		} else {
			log.Debug().
				Str("handler", h.Name()).
				Str("trigger_id", t.ID()).
				Str("kind", string(t.Kind())).
				Dur("duration", time.Since(start)).
				Msg("Handler done")
		}

		// Handlers can return fabricated triggers, e.g. a completion
		// callback for a build that already exists, so work resumes as
		// if the build system had announced it.
		for _, f := range followups {
			if err := d.queue.Put(f); err != nil {
				log.Warn().
					Err(err).
					Str("trigger_id", f.ID()).
					Msg("Dropping follow-up trigger")
			}
		}
	}
}

// safeHandle contains panics from handler bodies; the triggering event
// stays in its last persisted state for a later retry.
func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, t Trigger) (followups []Trigger, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, t)
}
