// Package domain contains pure business types without external dependencies.
// These types are used throughout the application and have no tags or framework dependencies.
package domain

import "sort"

// Repository describes a container repository an image is published to.
type Repository struct {
	Name              string
	Published         bool
	ReleaseCategories []string
	AutoRebuildTags   []string
	Tags              []string
}

// HasAutoRebuildTag reports whether any of the given tags is an
// auto-rebuild tag of this repository.
func (r Repository) HasAutoRebuildTag(tags []string) bool {
	for _, t := range tags {
		for _, art := range r.AutoRebuildTags {
			if t == art {
				return true
			}
		}
	}
	return false
}

// RPM identifies one installed rpm inside an image, without arch info.
type RPM struct {
	Name     string
	NVR      string
	SRPMName string
	SRPMNVR  string
}

// Image is one container image build. Images are resolved once and kept in
// an Arena; the parent link is the parent's NVR, never an embedded pointer,
// so in-place rewrites during deduplication cannot create reference cycles.
type Image struct {
	NVR string

	// ContentSetsByArch maps an architecture to the content sets the
	// image draws packages from on that arch.
	ContentSetsByArch map[string][]string

	// RPMs is the installed rpm manifest. Nil until lazily fetched.
	RPMs []RPM

	Repositories []Repository

	// ParentNVR is empty for base images and for images whose parent
	// could not be resolved (Error is set in the latter case).
	ParentNVR string

	// DirectlyAffected marks images that contain an affected rpm
	// themselves, as opposed to being rebuilt only because an ancestor
	// is. The flag only ever goes false -> true.
	DirectlyAffected bool

	// LatestReleased marks the newest image of its name+version group
	// that is not in a pre-release category.
	LatestReleased bool

	// Error holds the resolution failure for this node, if any. A chain
	// containing a failed node is truncated at that node but still
	// planned.
	Error string

	// Build metadata used to assemble build arguments. Source is the
	// dist-git repository the image is built from; an image without one
	// cannot be rebuilt.
	Source    string
	Commit    string
	GitBranch string
	Target    string
}

// Name returns the package name part of the image NVR.
func (img *Image) Name() string {
	name, _, _ := ParseNVR(img.NVR)
	return name
}

// Arches lists the architectures the image is built for.
func (img *Image) Arches() []string {
	arches := make([]string, 0, len(img.ContentSetsByArch))
	for arch := range img.ContentSetsByArch {
		arches = append(arches, arch)
	}
	sort.Strings(arches)
	return arches
}

// ContentSets returns the union of content sets across all arches.
func (img *Image) ContentSets() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, arch := range img.Arches() {
		for _, cs := range img.ContentSetsByArch[arch] {
			if _, ok := seen[cs]; ok {
				continue
			}
			seen[cs] = struct{}{}
			out = append(out, cs)
		}
	}
	sort.Strings(out)
	return out
}

// AddArch merges content sets of another arch-specific record of the same
// image build.
func (img *Image) AddArch(arch string, contentSets []string) {
	if img.ContentSetsByArch == nil {
		img.ContentSetsByArch = map[string][]string{}
	}
	if _, ok := img.ContentSetsByArch[arch]; !ok {
		img.ContentSetsByArch[arch] = contentSets
	}
}

// RepositoryNames returns the sorted repository names, used as part of the
// deduplication group key.
func (img *Image) RepositoryNames() []string {
	names := make([]string, 0, len(img.Repositories))
	for _, r := range img.Repositories {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

// HasOlderRPMs reports whether the image has any installed rpm older than
// one of the given rpm NVRs of the same package name.
func (img *Image) HasOlderRPMs(rpmNVRs []string) bool {
	if img.RPMs == nil {
		return false
	}
	for _, rpm := range img.RPMs {
		for _, nvr := range rpmNVRs {
			name, _, _ := ParseNVR(nvr)
			if name != rpm.Name {
				continue
			}
			if CompareNVR(rpm.NVR, nvr) < 0 {
				return true
			}
		}
	}
	return false
}

// Chain is the ordered ancestry of one image, leaf first, ending at a base
// image or at the node where resolution failed.
type Chain []*Image

// Arena holds every resolved image keyed by NVR. All chains reference
// arena entries, so flag upgrades and dedup rewrites are visible to every
// chain that shares an image.
type Arena map[string]*Image

// Add stores the image unless an entry with the same NVR already exists,
// and returns the arena's instance.
func (a Arena) Add(img *Image) *Image {
	if existing, ok := a[img.NVR]; ok {
		return existing
	}
	a[img.NVR] = img
	return img
}

// Parent resolves the parent link of an image inside the arena. It
// returns nil for base images and for parents outside the arena.
func (a Arena) Parent(img *Image) *Image {
	if img.ParentNVR == "" {
		return nil
	}
	return a[img.ParentNVR]
}
