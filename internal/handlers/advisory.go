// Package handlers contains the trigger handlers: each one reacts to a
// subset of trigger kinds and advances events and builds through the
// state machine.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/batch"
	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/dedup"
	"github.com/opsforge/rebuildd/internal/domain"
	"github.com/opsforge/rebuildd/internal/policy"
	"github.com/opsforge/rebuildd/internal/resolver"
	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/trigger"
)

// AdvisoryShipped turns a shipped advisory into a recorded and submitted
// rebuild plan: affected leaves, ancestry chains, dedup, batches, builds.
type AdvisoryShipped struct {
	tracker  clients.AdvisoryTracker
	resolver *resolver.Resolver
	machine  *state.Machine
	policy   *policy.Config
}

func NewAdvisoryShipped(tracker clients.AdvisoryTracker, res *resolver.Resolver, machine *state.Machine, pol *policy.Config) *AdvisoryShipped {
	if pol == nil {
		pol = policy.Default()
	}
	return &AdvisoryShipped{tracker: tracker, resolver: res, machine: machine, policy: pol}
}

func (h *AdvisoryShipped) Name() string { return "advisory_shipped" }

func (h *AdvisoryShipped) CanHandle(t trigger.Trigger) bool {
	return t.Kind() == trigger.KindAdvisoryShipped
}

func (h *AdvisoryShipped) Handle(ctx context.Context, t trigger.Trigger) ([]trigger.Trigger, error) {
	adv := t.(trigger.AdvisoryShipped)

	ev, created, err := h.machine.Store().GetOrCreateEvent(ctx, adv.ID(), adv.SearchKey(), string(adv.Kind()))
	if err != nil {
		return nil, err
	}
	if !created {
		// Redelivered message; the first delivery owns the plan.
		log.Debug().
			Str("message_id", adv.ID()).
			Int64("event_id", ev.ID).
			Msg("Advisory already handled, ignoring redelivery")
		return nil, nil
	}

	if err := h.policy.CheckAdvisory(adv.AdvisoryName, adv.Manual); err != nil {
		return nil, h.machine.TransitionEvent(ctx, ev, state.EventStateSkipped, err.Error())
	}

	rpms, err := h.tracker.GetCVEAffectedRPMs(ctx, adv.AdvisoryID)
	if err != nil {
		return nil, h.failEvent(ctx, ev, err)
	}
	if len(rpms) == 0 {
		return nil, h.machine.TransitionEvent(ctx, ev, state.EventStateSkipped,
			fmt.Sprintf("advisory %s ships no CVE affected rpms", adv.AdvisoryName))
	}

	leaves, err := h.resolver.FindAffectedImages(ctx, rpms, nil, h.policy.ReleaseCategories)
	if err != nil {
		return nil, h.failEvent(ctx, ev, err)
	}
	if len(leaves) == 0 {
		return nil, h.machine.TransitionEvent(ctx, ev, state.EventStateSkipped,
			fmt.Sprintf("no container images affected by advisory %s", adv.AdvisoryName))
	}

	allowed := leaves[:0]
	for _, leaf := range leaves {
		if h.policy.AllowsImage(leaf.Name()) {
			allowed = append(allowed, leaf)
		} else {
			log.Debug().Str("nvr", leaf.NVR).Msg("Image excluded by policy")
		}
	}
	leaves = allowed
	if len(leaves) == 0 {
		return nil, h.machine.TransitionEvent(ctx, ev, state.EventStateSkipped,
			fmt.Sprintf("all images affected by advisory %s are excluded by policy", adv.AdvisoryName))
	}

	arena := domain.Arena{}
	chains, err := h.resolver.ResolveChains(ctx, leaves, arena)
	if err != nil {
		return nil, h.failEvent(ctx, ev, err)
	}
	chains = dedup.Deduplicate(chains, arena)

	directlyAffected := map[string]bool{}
	for _, leaf := range leaves {
		directlyAffected[leaf.NVR] = true
	}
	batches := batch.Plan(chains, directlyAffected)
	if len(batches) == 0 {
		return nil, h.machine.TransitionEvent(ctx, ev, state.EventStateSkipped,
			"nothing to rebuild after deduplication")
	}

	builds, err := h.machine.RecordPlan(ctx, ev, batches)
	if err != nil {
		return nil, h.failEvent(ctx, ev, err)
	}
	log.Info().
		Int64("event_id", ev.ID).
		Str("advisory", adv.AdvisoryName).
		Int("batches", len(batches)).
		Int("builds", len(builds)).
		Msg("Rebuild plan recorded")

	if err := h.machine.SubmitEligible(ctx, ev.ID); err != nil {
		return nil, h.failEvent(ctx, ev, err)
	}
	return nil, h.machine.CompleteEventIfDone(ctx, ev.ID)
}

// failEvent records the failure on the event, except for transient
// errors, which are surfaced so the trigger can be retried against an
// event still in INITIALIZED.
func (h *AdvisoryShipped) failEvent(ctx context.Context, ev *state.Event, cause error) error {
	if errors.Is(cause, domain.ErrTransient) {
		return cause
	}
	if err := h.machine.TransitionEvent(ctx, ev, state.EventStateFailed, cause.Error()); err != nil {
		return err
	}
	return cause
}
