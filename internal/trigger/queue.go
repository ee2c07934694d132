package trigger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Queue is the FIFO ingestion queue. Triggers are consumed one at a time
// by the dispatch loop, in arrival order.
type Queue struct {
	ch chan Trigger
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan Trigger, size)}
}

// Put enqueues a trigger. A full queue is an error; the caller decides
// whether dropping is acceptable.
func (q *Queue) Put(t Trigger) error {
	select {
	case q.ch <- t:
		log.Debug().
			Str("trigger_id", t.ID()).
			Str("kind", string(t.Kind())).
			Msg("Trigger enqueued")
		return nil
	default:
		return fmt.Errorf("trigger queue is full, dropping trigger %s", t.ID())
	}
}

// Get blocks until a trigger arrives or the context is done.
func (q *Queue) Get(ctx context.Context) (Trigger, error) {
	select {
	case t := <-q.ch:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many triggers are waiting.
func (q *Queue) Len() int { return len(q.ch) }
