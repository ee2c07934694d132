package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/trigger"
)

// Cancel processes event-cancel management triggers. Each attempt asks
// the build system to cancel the listed builds; builds it refuses are
// carried into a follow-up attempt until the try cap. Builds still
// unconfirmed on the last try keep their state, with the failed
// cancellation recorded in the state reason.
type Cancel struct {
	machine *state.Machine
}

func NewCancel(machine *state.Machine) *Cancel {
	return &Cancel{machine: machine}
}

func (h *Cancel) Name() string { return "cancel" }

func (h *Cancel) CanHandle(t trigger.Trigger) bool {
	m, ok := t.(trigger.Manage)
	return ok && m.Action == trigger.ActionCancelEvent
}

func (h *Cancel) Handle(ctx context.Context, t trigger.Trigger) ([]trigger.Trigger, error) {
	m := t.(trigger.Manage)

	builds, err := h.machine.Store().BuildsByIDs(ctx, m.BuildIDs)
	if err != nil {
		return nil, err
	}

	var remaining []int64
	for _, b := range builds {
		if b.State.Terminal() {
			continue
		}
		if b.State != state.BuildStateBuild {
			// Never submitted; no external task to cancel.
			if err := h.machine.ForceCanceled(ctx, b, "build canceled before submission"); err != nil {
				return nil, err
			}
			continue
		}
		ok, err := h.machine.CancelBuild(ctx, b)
		if err != nil {
			log.Warn().Err(err).Int64("build_id", b.ID).Msg("Cancellation attempt failed")
		}
		if !ok {
			remaining = append(remaining, b.ID)
		}
	}
	if len(remaining) == 0 {
		return nil, nil
	}

	next, outcome := m.Next(remaining)
	if outcome == trigger.OutcomeGiveUp {
		log.Error().
			Ints64("build_ids", remaining).
			Int("tries", m.TryCount).
			Msg("Giving up on build system cancellation")
		leftover, err := h.machine.Store().BuildsByIDs(ctx, remaining)
		if err != nil {
			return nil, err
		}
		for _, b := range leftover {
			reason := fmt.Sprintf("build system did not confirm cancellation after %d tries", m.TryCount)
			if err := h.machine.RecordBuildReason(ctx, b, reason); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	log.Info().
		Ints64("build_ids", remaining).
		Int("next_try", next.TryCount).
		Msg("Re-queueing cancellation for unconfirmed builds")
	return []trigger.Trigger{next}, nil
}
