package resolver

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/domain"
)

// FindAffectedImages returns the directly affected leaf images: published
// images in auto-rebuild repositories that have an older build of any of
// the given rpms installed.
//
// The metadata service cannot filter "tagged with the auto-rebuild tags of
// its own repository" server side, so candidates are fetched with the
// union of all auto-rebuild tags and narrowed here.
func (r *Resolver) FindAffectedImages(ctx context.Context, rpmNVRs, contentSets, releaseCategories []string) ([]*domain.Image, error) {
	published := true
	repos, err := r.meta.FindRepositories(ctx, clients.RepositoryFilter{
		Published:         &published,
		ReleaseCategories: releaseCategories,
	})
	if err != nil {
		return nil, err
	}

	reposByName := map[string]domain.Repository{}
	tagSet := map[string]struct{}{}
	for _, repo := range repos {
		if len(repo.AutoRebuildTags) == 0 {
			continue
		}
		reposByName[repo.Name] = repo
		for _, t := range repo.AutoRebuildTags {
			tagSet[t] = struct{}{}
		}
	}
	if len(reposByName) == 0 {
		return nil, nil
	}

	rpmNames := uniqueNames(rpmNVRs)
	repoNames := make([]string, 0, len(reposByName))
	for name := range reposByName {
		repoNames = append(repoNames, name)
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}

	candidates, err := r.meta.FindImages(ctx, clients.ImageFilter{
		RPMNames:           rpmNames,
		ContentSets:        contentSets,
		Repositories:       repoNames,
		Tags:               tags,
		Published:          &published,
		IncludeRPMManifest: true,
	})
	if err != nil {
		return nil, err
	}

	byNVR := map[string]*domain.Image{}
	var order []string
	for _, img := range candidates {
		if existing, ok := byNVR[img.NVR]; ok {
			// Another arch of an image already accepted.
			for arch, cs := range img.ContentSetsByArch {
				existing.AddArch(arch, cs)
			}
			continue
		}
		if !taggedForAutoRebuild(img, reposByName) {
			continue
		}
		byNVR[img.NVR] = img
		order = append(order, img.NVR)
	}

	var leaves []*domain.Image
	for _, nvr := range order {
		img := byNVR[nvr]
		if !img.HasOlderRPMs(rpmNVRs) {
			continue
		}
		img.DirectlyAffected = true
		leaves = append(leaves, img)
	}

	log.Info().
		Int("candidates", len(candidates)).
		Int("affected", len(leaves)).
		Msg("Affected image search done")
	return leaves, nil
}

// taggedForAutoRebuild reports whether the image carries an auto-rebuild
// tag in at least one of its own repositories.
func taggedForAutoRebuild(img *domain.Image, reposByName map[string]domain.Repository) bool {
	for _, imgRepo := range img.Repositories {
		repo, ok := reposByName[imgRepo.Name]
		if !ok {
			continue
		}
		if repo.HasAutoRebuildTag(imgRepo.Tags) {
			return true
		}
	}
	return false
}

func uniqueNames(nvrs []string) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, nvr := range nvrs {
		name, _, _ := domain.ParseNVR(nvr)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
