package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/trigger"
)

// BuildStateChange reacts to build-system completion callbacks: it marks
// the matching build DONE or FAILED and lets the state machine submit
// whatever that unblocks.
type BuildStateChange struct {
	machine *state.Machine
}

func NewBuildStateChange(machine *state.Machine) *BuildStateChange {
	return &BuildStateChange{machine: machine}
}

func (h *BuildStateChange) Name() string { return "build_state_change" }

func (h *BuildStateChange) CanHandle(t trigger.Trigger) bool {
	return t.Kind() == trigger.KindBuildStateChange
}

func (h *BuildStateChange) Handle(ctx context.Context, t trigger.Trigger) ([]trigger.Trigger, error) {
	change := t.(trigger.BuildStateChange)

	b, err := h.machine.Store().BuildByTaskID(ctx, change.TaskID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		// Task not started by this engine.
		log.Debug().Int64("task_id", change.TaskID).Msg("Ignoring unknown build task")
		return nil, nil
	}
	if b.State.Terminal() {
		log.Debug().
			Int64("build_id", b.ID).
			Str("state", string(b.State)).
			Msg("Ignoring state change for finished build")
		return nil, nil
	}

	switch change.NewState {
	case clients.TaskStateClosed:
		return nil, h.machine.MarkBuildDone(ctx, b)
	case clients.TaskStateFailed:
		return nil, h.machine.MarkBuildFailed(ctx, b,
			fmt.Sprintf("build task %d failed", change.TaskID))
	default:
		log.Debug().
			Int64("task_id", change.TaskID).
			Str("state", change.NewState).
			Msg("Ignoring non-terminal build task state")
		return nil, nil
	}
}
