// Package resolver finds the images affected by a set of rpms and walks
// each one's parent ancestry up to its base image.
package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/domain"
)

// DefaultMaxDepth bounds the ancestry walk. Real image trees run four to
// six layers; anything deeper is a metadata loop.
const DefaultMaxDepth = 10

// Resolver builds leaf-first ancestry chains from metadata lookups.
type Resolver struct {
	meta     clients.MetadataClient
	maxDepth int
	workers  int
}

// New creates a resolver. workers bounds the concurrent leaf resolutions;
// maxDepth <= 0 selects DefaultMaxDepth.
func New(meta clients.MetadataClient, workers, maxDepth int) *Resolver {
	if workers <= 0 {
		workers = 4
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{meta: meta, maxDepth: maxDepth, workers: workers}
}

// ResolveChains walks the parent chain of every leaf concurrently and
// merges the results into the arena. Per-leaf failures are recorded on the
// last successfully resolved image of that chain; the chain is emitted
// truncated so the known part can still be planned. Completion order never
// affects the output: chains come back in leaf order and arena merging
// keeps the first-resolved instance per NVR.
func (r *Resolver) ResolveChains(ctx context.Context, leaves []*domain.Image, arena domain.Arena) ([]domain.Chain, error) {
	chains := make([]domain.Chain, len(leaves))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, leaf := range leaves {
		i, leaf := i, leaf
		g.Go(func() error {
			chains[i] = r.resolveChain(gctx, leaf)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Recombine: all chains share one arena instance per NVR.
	for ci, chain := range chains {
		for pi, img := range chain {
			chains[ci][pi] = arena.Add(img)
		}
	}
	return chains, nil
}

// resolveChain walks one leaf to its base image or to the depth guard.
func (r *Resolver) resolveChain(ctx context.Context, leaf *domain.Image) domain.Chain {
	chain := domain.Chain{leaf}
	seen := map[string]struct{}{leaf.NVR: {}}

	cur := leaf
	for depth := 0; ; depth++ {
		if depth >= r.maxDepth {
			cur.Error = fmt.Sprintf("parent chain of %s exceeds %d levels, giving up", leaf.NVR, r.maxDepth)
			break
		}

		parentNVR, err := r.parentNVR(ctx, cur)
		if err != nil {
			cur.Error = fmt.Sprintf("cannot resolve parent of %s: %v", cur.NVR, err)
			break
		}
		if parentNVR == "" {
			// Base image.
			break
		}
		if _, ok := seen[parentNVR]; ok {
			cur.Error = fmt.Sprintf("parent chain of %s loops at %s", leaf.NVR, parentNVR)
			break
		}

		parent, err := r.fetchImage(ctx, parentNVR)
		if err != nil {
			cur.Error = fmt.Sprintf("cannot fetch parent image %s: %v", parentNVR, err)
			break
		}

		cur.ParentNVR = parent.NVR
		chain = append(chain, parent)
		seen[parent.NVR] = struct{}{}
		cur = parent
	}

	if cur.Error != "" {
		log.Warn().
			Str("leaf", leaf.NVR).
			Str("node", cur.NVR).
			Str("error", cur.Error).
			Msg("Ancestry chain truncated")
	}
	return chain
}

// parentNVR returns the parent link of an image. Leaf records coming from
// the affected-image search are partial; when the explicit parent link is
// missing the full record is fetched before deciding the image is a base.
func (r *Resolver) parentNVR(ctx context.Context, img *domain.Image) (string, error) {
	if img.ParentNVR != "" {
		return img.ParentNVR, nil
	}
	full, err := r.fetchImage(ctx, img.NVR)
	if err != nil {
		return "", err
	}
	// Backfill metadata the partial record was missing.
	if img.Source == "" {
		img.Source = full.Source
	}
	if img.Commit == "" {
		img.Commit = full.Commit
	}
	if img.GitBranch == "" {
		img.GitBranch = full.GitBranch
	}
	if img.Target == "" {
		img.Target = full.Target
	}
	return full.ParentNVR, nil
}

func (r *Resolver) fetchImage(ctx context.Context, nvr string) (*domain.Image, error) {
	images, err := r.meta.FindImages(ctx, clients.ImageFilter{NVR: nvr})
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: image %s", domain.ErrLookup, nvr)
	}
	img := images[0]
	for _, other := range images[1:] {
		for arch, cs := range other.ContentSetsByArch {
			img.AddArch(arch, cs)
		}
	}
	return img, nil
}
