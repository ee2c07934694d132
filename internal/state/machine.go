package state

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/batch"
	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/domain"
	"github.com/opsforge/rebuildd/internal/notify"
)

// MaxBuildRetries bounds in-place resubmission of a failed build task
// before the build record goes FAILED for good.
const MaxBuildRetries = 3

// Machine advances events and builds. The submission rule is level
// triggered: every relevant external signal re-evaluates which PLANNED
// builds have their gates open, so a missed edge can never wedge a plan.
type Machine struct {
	store    Store
	builder  clients.BuildSystem
	composer clients.ComposeService
	pub      notify.Publisher
}

// NewMachine wires the state machine to its collaborators.
func NewMachine(store Store, builder clients.BuildSystem, composer clients.ComposeService, pub notify.Publisher) *Machine {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Machine{store: store, builder: builder, composer: composer, pub: pub}
}

// Store exposes the underlying store to handlers that need read access.
func (m *Machine) Store() Store { return m.store }

// RebuiltNVR derives the NVR a rebuild will produce: the release is
// rewritten to its first segment plus a timestamp.
func RebuiltNVR(nvr string, now time.Time) string {
	name, version, release := domain.ParseNVR(nvr)
	seg := release
	for i := 0; i < len(release); i++ {
		if release[i] == '.' {
			seg = release[:i]
			break
		}
	}
	return fmt.Sprintf("%s-%s-%s.%d", name, version, seg, now.Unix())
}

// RecordPlan persists one ArtifactBuild per planned image, wiring dep_on
// to the parent's build and requesting a compose for every image that
// needs one. Images that failed resolution are recorded FAILED with their
// reason, as are images whose dependency is already known unbuildable.
// It returns the builds keyed by original NVR.
func (m *Machine) RecordPlan(ctx context.Context, ev *Event, batches []batch.Batch) (map[string]*ArtifactBuild, error) {
	builds := map[string]*ArtifactBuild{}
	now := time.Now()

	for _, b := range batches {
		for _, img := range b {
			if _, ok := builds[img.NVR]; ok {
				continue
			}

			st := BuildStatePlanned
			reason := ""
			var depOnID *int64
			parentNVR := img.ParentNVR

			if dep, ok := builds[img.ParentNVR]; ok {
				depOnID = &dep.ID
				// The dependency is being rebuilt; the child must build
				// on the rebuilt layer, not the original.
				parentNVR = dep.RebuiltNVR
				if dep.State == BuildStateFailed {
					st = BuildStateFailed
					reason = "cannot build artifact, because its dependency cannot be built"
				}
			}
			switch {
			case img.Error != "":
				st = BuildStateFailed
				reason = img.Error
			case img.Source == "" && st == BuildStatePlanned:
				st = BuildStateFailed
				reason = fmt.Sprintf("%v: no rebuild source found for %s", domain.ErrConfiguration, img.NVR)
			}

			build := &ArtifactBuild{
				EventID:     ev.ID,
				Name:        img.Name(),
				Kind:        ArtifactKindImage,
				State:       st,
				StateReason: reason,
				DepOnID:     depOnID,
				OriginalNVR: img.NVR,
				RebuiltNVR:  RebuiltNVR(img.NVR, now),
				Args: BuildArgs{
					Source:    img.Source,
					Commit:    img.Commit,
					Branch:    img.GitBranch,
					Target:    img.Target,
					ParentNVR: parentNVR,
				},
			}
			if err := m.store.CreateBuild(ctx, build); err != nil {
				return nil, fmt.Errorf("recording build for %s: %w", img.NVR, err)
			}

			if build.State == BuildStatePlanned {
				if err := m.attachCompose(ctx, build, img); err != nil {
					build.State = BuildStateFailed
					build.StateReason = fmt.Sprintf("no compose source found: %v", err)
					if uerr := m.store.UpdateBuildState(ctx, build.ID, build.State, build.StateReason); uerr != nil {
						return nil, uerr
					}
				}
			}

			builds[img.NVR] = build
			m.publishBuild(build)
		}
	}
	return builds, nil
}

func (m *Machine) attachCompose(ctx context.Context, build *ArtifactBuild, img *domain.Image) error {
	contentSets := img.ContentSets()
	if len(contentSets) == 0 {
		return fmt.Errorf("%w: image %s has no content sets", domain.ErrConfiguration, img.NVR)
	}
	composeID, composeState, err := m.composer.RequestCompose(ctx, clients.ComposeSpec{
		ContentSets: contentSets,
		Arches:      img.Arches(),
	})
	if err != nil {
		return err
	}
	ready := composeState == clients.ComposeStateDone
	if err := m.store.AttachCompose(ctx, build.ID, composeID, ready); err != nil {
		return err
	}
	build.Composes = append(build.Composes, Compose{ComposeID: composeID, Ready: ready})
	return nil
}

// GateOpen reports whether a PLANNED build may be submitted: every
// attached compose is ready and the dependency, if any, is DONE.
func (m *Machine) GateOpen(ctx context.Context, b *ArtifactBuild) (bool, error) {
	if b.State != BuildStatePlanned {
		return false, nil
	}
	if !b.ComposesReady() {
		return false, nil
	}
	if b.DepOnID == nil {
		return true, nil
	}
	dep, err := m.store.BuildByID(ctx, *b.DepOnID)
	if err != nil {
		return false, err
	}
	return dep.State == BuildStateDone, nil
}

// SubmitEligible re-evaluates every PLANNED build of the event and
// submits those whose gates are open. The owning event moves to BUILDING
// on the first submission.
func (m *Machine) SubmitEligible(ctx context.Context, eventID int64) error {
	builds, err := m.store.BuildsByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	var eligible []*ArtifactBuild
	for _, b := range builds {
		open, err := m.GateOpen(ctx, b)
		if err != nil {
			return err
		}
		if open {
			eligible = append(eligible, b)
		}
	}
	return m.Submit(ctx, eligible...)
}

// Submit sends builds to the build system and moves them to BUILD. A
// submission failure fails only that build record.
func (m *Machine) Submit(ctx context.Context, builds ...*ArtifactBuild) error {
	for _, b := range builds {
		taskID, err := m.builder.SubmitBuild(ctx, clients.BuildRequest{
			Name:       b.Name,
			Source:     b.Args.Source,
			Branch:     b.Args.Branch,
			Target:     b.Args.Target,
			ParentNVR:  b.Args.ParentNVR,
			ComposeIDs: composeIDs(b),
		})
		if err != nil {
			log.Error().Err(err).Str("name", b.Name).Msg("Build submission failed")
			if serr := m.setBuildState(ctx, b, BuildStateFailed, fmt.Sprintf("submission failed: %v", err)); serr != nil {
				return serr
			}
			continue
		}
		if err := m.store.SetBuildTask(ctx, b.ID, taskID); err != nil {
			return err
		}
		b.TaskID = taskID
		if err := m.setBuildState(ctx, b, BuildStateBuild, "submitted to build system"); err != nil {
			return err
		}
		if err := m.markEventBuilding(ctx, b.EventID); err != nil {
			return err
		}
		log.Info().
			Str("name", b.Name).
			Str("nvr", b.OriginalNVR).
			Int64("task_id", taskID).
			Msg("Build submitted")
	}
	return nil
}

// MarkBuildDone records build-system success and submits dependents whose
// gates are now open.
func (m *Machine) MarkBuildDone(ctx context.Context, b *ArtifactBuild) error {
	if err := m.setBuildState(ctx, b, BuildStateDone, "built successfully"); err != nil {
		return err
	}
	dependents, err := m.store.BuildsDependingOn(ctx, b.ID)
	if err != nil {
		return err
	}
	var eligible []*ArtifactBuild
	for _, d := range dependents {
		open, err := m.GateOpen(ctx, d)
		if err != nil {
			return err
		}
		if open {
			eligible = append(eligible, d)
		}
	}
	if err := m.Submit(ctx, eligible...); err != nil {
		return err
	}
	return m.CompleteEventIfDone(ctx, b.EventID)
}

// MarkBuildFailed records build-system failure, retrying the submission
// in place up to MaxBuildRetries before the record goes FAILED.
func (m *Machine) MarkBuildFailed(ctx context.Context, b *ArtifactBuild, reason string) error {
	b.Args.RetryCount++
	if err := m.store.UpdateBuildArgs(ctx, b.ID, b.Args); err != nil {
		return err
	}
	if b.Args.RetryCount < MaxBuildRetries {
		if err := m.setBuildState(ctx, b, BuildStatePlanned,
			fmt.Sprintf("retrying failed build task %d", b.TaskID)); err != nil {
			return err
		}
		return m.Submit(ctx, b)
	}
	if err := m.setBuildState(ctx, b, BuildStateFailed, reason); err != nil {
		return err
	}
	return m.CompleteEventIfDone(ctx, b.EventID)
}

// FailBuild moves a build straight to FAILED, without the in-place
// retries of MarkBuildFailed. Used when the failure is not the build
// system's, e.g. a compose the build waits for cannot be generated.
func (m *Machine) FailBuild(ctx context.Context, b *ArtifactBuild, reason string) error {
	if err := m.setBuildState(ctx, b, BuildStateFailed, reason); err != nil {
		return err
	}
	return m.CompleteEventIfDone(ctx, b.EventID)
}

// ForceCanceled moves a build record to CANCELED without consulting the
// build system. Only valid for builds that were never submitted; a
// submitted build's state belongs to the build system.
func (m *Machine) ForceCanceled(ctx context.Context, b *ArtifactBuild, reason string) error {
	if err := m.setBuildState(ctx, b, BuildStateCanceled, reason); err != nil {
		return err
	}
	return m.CompleteEventIfDone(ctx, b.EventID)
}

// RecordBuildReason updates a build's state reason, leaving its state
// untouched.
func (m *Machine) RecordBuildReason(ctx context.Context, b *ArtifactBuild, reason string) error {
	b.StateReason = reason
	return m.store.UpdateBuildState(ctx, b.ID, b.State, reason)
}

// CancelBuild asks the build system to cancel a running build and, when
// it confirms, moves the record to CANCELED.
func (m *Machine) CancelBuild(ctx context.Context, b *ArtifactBuild) (bool, error) {
	ok, err := m.builder.CancelBuild(ctx, b.TaskID)
	if err != nil || !ok {
		return false, err
	}
	if err := m.setBuildState(ctx, b, BuildStateCanceled, "build canceled in external build system"); err != nil {
		return false, err
	}
	return true, m.CompleteEventIfDone(ctx, b.EventID)
}

// CompleteEventIfDone marks the event COMPLETE once every build is
// terminal. A fully failed plan still completes, with a note; failure of
// individual images is not fatal to the event.
func (m *Machine) CompleteEventIfDone(ctx context.Context, eventID int64) error {
	ev, err := m.store.EventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.State.Terminal() {
		return nil
	}
	builds, err := m.store.BuildsByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		return nil
	}
	failed := 0
	for _, b := range builds {
		if !b.State.Terminal() {
			return nil
		}
		if b.State == BuildStateFailed || b.State == BuildStateCanceled {
			failed++
		}
	}
	reason := fmt.Sprintf("%d container images rebuilt", len(builds))
	if failed > 0 {
		reason = fmt.Sprintf("%d of %d container images failed to rebuild", failed, len(builds))
	}
	return m.TransitionEvent(ctx, ev, EventStateComplete, reason)
}

// TransitionEvent moves an event to a new state and publishes the change.
func (m *Machine) TransitionEvent(ctx context.Context, ev *Event, st EventState, reason string) error {
	if ev.State == st && ev.StateReason == reason {
		return nil
	}
	if err := m.store.UpdateEventState(ctx, ev.ID, st, reason); err != nil {
		return err
	}
	ev.State = st
	ev.StateReason = reason
	log.Info().
		Int64("event_id", ev.ID).
		Str("state", string(st)).
		Str("reason", reason).
		Msg("Event state changed")
	_ = m.pub.Publish(notify.TopicEventStateChanged, map[string]any{
		"event_id":   ev.ID,
		"message_id": ev.MessageID,
		"search_key": ev.SearchKey,
		"state":      string(st),
		"reason":     reason,
	})
	return nil
}

func (m *Machine) markEventBuilding(ctx context.Context, eventID int64) error {
	ev, err := m.store.EventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.State != EventStateInitialized {
		return nil
	}
	return m.TransitionEvent(ctx, ev, EventStateBuilding, "builds submitted")
}

func (m *Machine) setBuildState(ctx context.Context, b *ArtifactBuild, st BuildState, reason string) error {
	if err := m.store.UpdateBuildState(ctx, b.ID, st, reason); err != nil {
		return err
	}
	b.State = st
	b.StateReason = reason
	m.publishBuild(b)
	return nil
}

func (m *Machine) publishBuild(b *ArtifactBuild) {
	_ = m.pub.Publish(notify.TopicBuildStateChanged, map[string]any{
		"build_id":     b.ID,
		"event_id":     b.EventID,
		"name":         b.Name,
		"original_nvr": b.OriginalNVR,
		"rebuilt_nvr":  b.RebuiltNVR,
		"state":        string(b.State),
		"reason":       b.StateReason,
	})
}

func composeIDs(b *ArtifactBuild) []int64 {
	ids := make([]int64, 0, len(b.Composes))
	for _, c := range b.Composes {
		ids = append(ids, c.ComposeID)
	}
	return ids
}
