package handlers

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/trigger"
)

// ManualRebuild converts an operator rebuild request into a fabricated
// advisory trigger, so the manual path and the messaging path run the
// exact same planning code.
type ManualRebuild struct{}

func NewManualRebuild() *ManualRebuild { return &ManualRebuild{} }

func (h *ManualRebuild) Name() string { return "manual_rebuild" }

func (h *ManualRebuild) CanHandle(t trigger.Trigger) bool {
	return t.Kind() == trigger.KindManualRebuild
}

func (h *ManualRebuild) Handle(ctx context.Context, t trigger.Trigger) ([]trigger.Trigger, error) {
	req := t.(trigger.ManualRebuild)

	shipped := trigger.NewAdvisoryShipped(req.ID(), req.AdvisoryID, req.AdvisoryName)
	shipped.Manual = true

	log.Info().
		Int64("advisory_id", req.AdvisoryID).
		Str("message_id", req.ID()).
		Msg("Fabricating advisory trigger for manual rebuild request")
	return []trigger.Trigger{shipped}, nil
}
