// Package dedup collapses equivalent image versions across ancestry
// chains so every logical image is rebuilt exactly once.
package dedup

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/domain"
)

// groupKey identifies one deduplication group: images that are versions of
// the same logical image published to the same repositories.
type groupKey struct {
	name    string
	version string
	repos   string
}

func keyOf(img *domain.Image) groupKey {
	name, version, _ := domain.ParseNVR(img.NVR)
	return groupKey{
		name:    name,
		version: version,
		repos:   strings.Join(img.RepositoryNames(), ","),
	}
}

// group collects the distinct members of one dedup group in first-found
// order (chains scanned in input order, leaf to base). The first-found
// order is what breaks ties when chains disagree about the latest
// released member.
type group struct {
	members []*domain.Image
}

func (g *group) add(img *domain.Image) {
	for _, m := range g.members {
		if m.NVR == img.NVR {
			return
		}
	}
	g.members = append(g.members, img)
}

// latestReleased returns the first-found member carrying the flag.
func (g *group) latestReleased() *domain.Image {
	for _, m := range g.members {
		if m.LatestReleased {
			return m
		}
	}
	return nil
}

// canonical picks the surviving member: the latest released one if
// present, else the numerically highest NVR.
func (g *group) canonical() *domain.Image {
	if lr := g.latestReleased(); lr != nil {
		return lr
	}
	best := g.members[0]
	for _, m := range g.members[1:] {
		if domain.CompareNVR(m.NVR, best.NVR) > 0 {
			best = m
		}
	}
	return best
}

// Deduplicate runs the two dedup phases over all chains jointly, mutating
// the chains in place, and returns them. Running it on its own output is
// a no-op.
func Deduplicate(chains []domain.Chain, arena domain.Arena) []domain.Chain {
	reconcileParentChanges(chains, arena)
	canonicalize(chains)
	return chains
}

// collectGroups returns the groups plus their keys in first-found order,
// so callers that mutate chains do so deterministically.
func collectGroups(chains []domain.Chain) (map[groupKey]*group, []groupKey) {
	groups := map[groupKey]*group{}
	var order []groupKey
	for _, chain := range chains {
		for _, img := range chain {
			k := keyOf(img)
			g, ok := groups[k]
			if !ok {
				g = &group{}
				groups[k] = g
				order = append(order, k)
			}
			g.add(img)
		}
	}
	return groups, order
}

// reconcileParentChanges handles groups whose newest release switched to a
// different parent package. The newer build's dependency topology is
// authoritative: every older member's chain suffix (the member and
// everything above it) is replaced by the latest released member's
// suffix.
func reconcileParentChanges(chains []domain.Chain, arena domain.Arena) {
	groups, order := collectGroups(chains)
	for _, k := range order {
		g := groups[k]
		latest := g.latestReleased()
		if latest == nil {
			continue
		}
		latestSuffix := findSuffix(chains, latest.NVR)
		if latestSuffix == nil {
			continue
		}

		for _, member := range g.members {
			if member.NVR == latest.NVR {
				continue
			}
			if domain.CompareNVR(member.NVR, latest.NVR) >= 0 {
				continue
			}
			if parentName(arena, member) == parentName(arena, latest) {
				continue
			}
			log.Debug().
				Str("member", member.NVR).
				Str("latest", latest.NVR).
				Msg("Parent package changed in latest release, adopting its ancestry")
			replaceSuffix(chains, member.NVR, latest.NVR, latestSuffix)
		}
	}
}

// canonicalize collapses every group to its canonical member. Replaced
// members hand their directly-affected flag and any content sets the
// canonical lacks over to the canonical, and the referencing child's
// parent link is repointed.
func canonicalize(chains []domain.Chain) {
	groups, _ := collectGroups(chains)
	for ci, chain := range chains {
		for pi, img := range chain {
			canonical := groups[keyOf(img)].canonical()
			if img.NVR == canonical.NVR {
				continue
			}
			if img.DirectlyAffected {
				canonical.DirectlyAffected = true
			}
			for arch, cs := range img.ContentSetsByArch {
				canonical.AddArch(arch, cs)
			}
			chains[ci][pi] = canonical
			if pi > 0 {
				chains[ci][pi-1].ParentNVR = canonical.NVR
			}
		}
	}
}

// parentName is the package name of an image's parent, or empty for base
// images and parents outside the arena.
func parentName(arena domain.Arena, img *domain.Image) string {
	p := arena.Parent(img)
	if p == nil {
		return ""
	}
	return p.Name()
}

// findSuffix locates the first occurrence of an NVR across all chains and
// returns the chain suffix starting there.
func findSuffix(chains []domain.Chain, nvr string) domain.Chain {
	for _, chain := range chains {
		for pi, img := range chain {
			if img.NVR == nvr {
				return chain[pi:]
			}
		}
	}
	return nil
}

// replaceSuffix swaps every occurrence of memberNVR, and everything above
// it, for the given suffix, repointing the child below the splice.
func replaceSuffix(chains []domain.Chain, memberNVR, newParentBase string, suffix domain.Chain) {
	for ci, chain := range chains {
		for pi, img := range chain {
			if img.NVR != memberNVR {
				continue
			}
			replaced := append(chain[:pi:pi], suffix...)
			chains[ci] = replaced
			if pi > 0 {
				replaced[pi-1].ParentNVR = newParentBase
			}
			break
		}
	}
}
