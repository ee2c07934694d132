package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/trigger"
)

// ComposeStateChange reacts to compose completion: a ready compose
// re-evaluates the gates of every build waiting for it, a failed compose
// fails those builds.
type ComposeStateChange struct {
	machine *state.Machine
}

func NewComposeStateChange(machine *state.Machine) *ComposeStateChange {
	return &ComposeStateChange{machine: machine}
}

func (h *ComposeStateChange) Name() string { return "compose_state_change" }

func (h *ComposeStateChange) CanHandle(t trigger.Trigger) bool {
	return t.Kind() == trigger.KindComposeStateChange
}

func (h *ComposeStateChange) Handle(ctx context.Context, t trigger.Trigger) ([]trigger.Trigger, error) {
	change := t.(trigger.ComposeStateChange)
	st := h.machine.Store()

	waiting, err := st.BuildsWaitingForCompose(ctx, change.ComposeID)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		log.Debug().Int64("compose_id", change.ComposeID).Msg("No builds waiting for compose")
		return nil, nil
	}

	switch change.State {
	case clients.ComposeStateDone:
		if err := st.MarkComposeReady(ctx, change.ComposeID); err != nil {
			return nil, err
		}
		// Gates are level triggered; re-check every affected event once.
		events := map[int64]struct{}{}
		for _, b := range waiting {
			events[b.EventID] = struct{}{}
		}
		for eventID := range events {
			if err := h.machine.SubmitEligible(ctx, eventID); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case clients.ComposeStateFailed:
		for _, b := range waiting {
			err := h.machine.FailBuild(ctx, b,
				fmt.Sprintf("compose %d failed to generate", change.ComposeID))
			if err != nil {
				return nil, err
			}
		}
		return nil, nil

	default:
		log.Debug().
			Int64("compose_id", change.ComposeID).
			Str("state", change.State).
			Msg("Ignoring non-terminal compose state")
		return nil, nil
	}
}
