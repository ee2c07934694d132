// Package clients declares the contracts the engine needs from the
// external metadata, build, compose and advisory services, plus the retry
// policy applied at every collaborator call boundary.
package clients

import (
	"context"

	"github.com/opsforge/rebuildd/internal/domain"
)

// RepositoryFilter narrows repository lookups.
type RepositoryFilter struct {
	Published         *bool
	ReleaseCategories []string
}

// ImageFilter narrows image lookups. Zero fields are ignored.
type ImageFilter struct {
	// NVR selects one exact image build.
	NVR string
	// RPMNames selects images with any of these rpms installed.
	RPMNames []string
	ContentSets []string
	// Repositories limits matches to images published in these repos.
	Repositories []string
	// Tags limits matches to images carrying any of these repo tags.
	Tags      []string
	Published *bool
	// IncludeRPMManifest asks the service to return the installed rpm
	// list, which is expensive and off by default.
	IncludeRPMManifest bool
}

// MetadataClient looks up image and repository records.
type MetadataClient interface {
	FindRepositories(ctx context.Context, filter RepositoryFilter) ([]domain.Repository, error)
	FindImages(ctx context.Context, filter ImageFilter) ([]*domain.Image, error)
}

// BuildRequest is what the build system needs to rebuild one image.
type BuildRequest struct {
	Name   string
	Source string
	Branch string
	Target string
	// ParentNVR pins the parent layer the rebuild must use.
	ParentNVR string
	// ComposeIDs are the composes the rebuild draws packages from.
	ComposeIDs []int64
}

// Build system task states as reported by GetBuildState.
const (
	TaskStateOpen   = "open"
	TaskStateClosed = "closed"
	TaskStateFailed = "failed"
)

// BuildSystem submits and tracks image rebuilds.
type BuildSystem interface {
	SubmitBuild(ctx context.Context, req BuildRequest) (taskID int64, err error)
	GetBuildState(ctx context.Context, taskID int64) (string, error)
	// CancelBuild returns false when the build system refused or failed
	// to cancel; callers retry via a management trigger.
	CancelBuild(ctx context.Context, taskID int64) (bool, error)
}

// ComposeSpec describes the package-repository snapshot a rebuild needs.
type ComposeSpec struct {
	ContentSets []string
	Arches      []string
}

// Compose service states.
const (
	ComposeStatePending    = "pending"
	ComposeStateGenerating = "generating"
	ComposeStateDone       = "done"
	ComposeStateFailed     = "failed"
)

// ComposeService requests and tracks composes.
type ComposeService interface {
	RequestCompose(ctx context.Context, spec ComposeSpec) (composeID int64, state string, err error)
	GetComposeState(ctx context.Context, composeID int64) (string, error)
}

// AdvisoryTracker exposes the rpm content of a shipped advisory.
type AdvisoryTracker interface {
	GetBuilds(ctx context.Context, advisoryID int64) ([]string, error)
	GetCVEAffectedRPMs(ctx context.Context, advisoryID int64) ([]string, error)
}
