// Package batch partitions deduplicated ancestry chains into ordered
// build batches. Images within one batch are independent and can be
// rebuilt in parallel; every image's parent, if it is planned at all,
// lands in a strictly earlier batch.
package batch

import (
	"sort"

	"github.com/opsforge/rebuildd/internal/domain"
)

// Batch is one parallel rebuild wave.
type Batch []*domain.Image

// Plan turns deduplicated chains into batches. directlyAffected lists the
// NVRs known to contain an affected rpm themselves; the flag is
// propagated monotonically onto already placed images when a later chain
// carries it.
//
// Chains are processed longest first. Each chain is walked base image
// first and paired positionally with batches 0..L-1, so a chain of the
// maximum length L fills every batch and shorter chains slot their
// images into the early batches their depth dictates.
func Plan(chains []domain.Chain, directlyAffected map[string]bool) []Batch {
	if len(chains) == 0 {
		return nil
	}

	ordered := make([]domain.Chain, len(chains))
	copy(ordered, chains)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})

	batches := make([]Batch, len(ordered[0]))
	placed := map[string]*domain.Image{}

	for _, chain := range ordered {
		for i := range chain {
			// chain is leaf first; walk it from the base image.
			img := chain[len(chain)-1-i]
			affected := img.DirectlyAffected || directlyAffected[img.NVR]

			if prev, ok := placed[img.NVR]; ok {
				// Once true, always true.
				if affected && !prev.DirectlyAffected {
					prev.DirectlyAffected = true
				}
				continue
			}

			if affected {
				img.DirectlyAffected = true
			}
			batches[i] = append(batches[i], img)
			placed[img.NVR] = img
		}
	}

	// Deduplication can leave a whole depth level empty.
	out := batches[:0]
	for _, b := range batches {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}
