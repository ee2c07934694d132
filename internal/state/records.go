// Package state owns the Event and ArtifactBuild lifecycle: recording a
// rebuild plan, gating submissions on parent and compose readiness, and
// advancing records as external callbacks arrive. All mutations go
// through the persistent store; nothing lives only in memory across
// dispatch steps.
package state

import (
	"context"
	"time"
)

// EventState is the lifecycle state of one tracked trigger object.
type EventState string

const (
	EventStateInitialized EventState = "INITIALIZED"
	EventStateBuilding    EventState = "BUILDING"
	EventStateComplete    EventState = "COMPLETE"
	EventStateFailed      EventState = "FAILED"
	EventStateSkipped     EventState = "SKIPPED"
)

// Terminal reports whether no further transitions are allowed.
func (s EventState) Terminal() bool {
	return s == EventStateComplete || s == EventStateFailed || s == EventStateSkipped
}

// BuildState is the lifecycle state of one artifact rebuild.
type BuildState string

const (
	BuildStatePlanned  BuildState = "PLANNED"
	BuildStateBuild    BuildState = "BUILD"
	BuildStateDone     BuildState = "DONE"
	BuildStateFailed   BuildState = "FAILED"
	BuildStateCanceled BuildState = "CANCELED"
)

// Terminal reports whether the build reached a final state.
func (s BuildState) Terminal() bool {
	return s == BuildStateDone || s == BuildStateFailed || s == BuildStateCanceled
}

// ArtifactKindImage is the only artifact kind built today; the column
// exists so rpm and module rebuilds can join later.
const ArtifactKindImage = "image"

// Event tracks everything done in reaction to one trigger. A retriggered
// advisory creates a new Event; terminal events are never reused.
type Event struct {
	ID          int64
	MessageID   string
	SearchKey   string
	Kind        string
	State       EventState
	StateReason string
	TimeCreated time.Time
	TimeDone    *time.Time
}

// BuildArgs is what the build system needs to rebuild one image. Stored
// as JSON alongside the build record.
type BuildArgs struct {
	Source     string `json:"source"`
	Commit     string `json:"commit"`
	Branch     string `json:"branch"`
	Target     string `json:"target"`
	ParentNVR  string `json:"parent_nvr,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// Compose is one external package-repository snapshot a build waits for.
type Compose struct {
	ID        int64
	ComposeID int64
	Ready     bool
}

// ArtifactBuild is one planned or running image rebuild. DepOnID is a
// weak reference to the build of the parent image; the references form a
// forest by construction, never a cycle.
type ArtifactBuild struct {
	ID          int64
	EventID     int64
	Name        string
	Kind        string
	State       BuildState
	StateReason string
	DepOnID     *int64
	OriginalNVR string
	RebuiltNVR  string
	// TaskID is the build system task, zero until submitted.
	TaskID   int64
	Args     BuildArgs
	Composes []Compose
}

// ComposesReady reports whether every attached compose is ready.
func (b *ArtifactBuild) ComposesReady() bool {
	for _, c := range b.Composes {
		if !c.Ready {
			return false
		}
	}
	return true
}

// Store is the persistence contract the state machine needs. Every
// mutation is an atomic create-or-update.
type Store interface {
	// GetOrCreateEvent returns the event for the message id, creating it
	// in INITIALIZED when unseen. created reports which happened.
	GetOrCreateEvent(ctx context.Context, messageID, searchKey, kind string) (ev *Event, created bool, err error)
	EventByID(ctx context.Context, id int64) (*Event, error)
	UpdateEventState(ctx context.Context, id int64, st EventState, reason string) error
	ListEvents(ctx context.Context) ([]*Event, error)
	UnfinishedEvents(ctx context.Context) ([]*Event, error)

	CreateBuild(ctx context.Context, b *ArtifactBuild) error
	BuildByID(ctx context.Context, id int64) (*ArtifactBuild, error)
	BuildByTaskID(ctx context.Context, taskID int64) (*ArtifactBuild, error)
	BuildsByIDs(ctx context.Context, ids []int64) ([]*ArtifactBuild, error)
	BuildsByEvent(ctx context.Context, eventID int64) ([]*ArtifactBuild, error)
	BuildsDependingOn(ctx context.Context, buildID int64) ([]*ArtifactBuild, error)
	UpdateBuildState(ctx context.Context, id int64, st BuildState, reason string) error
	UpdateBuildArgs(ctx context.Context, id int64, args BuildArgs) error
	SetBuildTask(ctx context.Context, id, taskID int64) error

	// AttachCompose links a compose to a build, creating the compose
	// record when this external id is unseen.
	AttachCompose(ctx context.Context, buildID, composeID int64, ready bool) error
	MarkComposeReady(ctx context.Context, composeID int64) error
	BuildsWaitingForCompose(ctx context.Context, composeID int64) ([]*ArtifactBuild, error)
}
