// Package trigger defines the internal trigger objects the dispatcher
// consumes and the dispatch loop that routes them to handlers.
package trigger

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind tags a trigger. Each concrete trigger type carries exactly one kind
// so handlers can match without runtime type inspection beyond the switch.
type Kind string

const (
	KindAdvisoryShipped    Kind = "advisory.shipped"
	KindBuildStateChange   Kind = "build.state_change"
	KindComposeStateChange Kind = "compose.state_change"
	KindManualRebuild      Kind = "manual.rebuild"
	KindManage             Kind = "manage"
)

// Trigger is the sealed sum of all trigger kinds. The concrete types below
// are the only implementations.
type Trigger interface {
	ID() string
	Kind() Kind
	// SearchKey groups triggers that refer to the same upstream object,
	// e.g. an advisory id.
	SearchKey() string
}

// base carries the identity every trigger shares.
type base struct {
	MsgID string
}

func (b base) ID() string { return b.MsgID }

// NewID generates a message id for internally fabricated triggers.
func NewID() string { return uuid.New().String() }

// AdvisoryShipped fires when an upstream security advisory ships and its
// rpms should be rebuilt into affected images.
type AdvisoryShipped struct {
	base
	AdvisoryID   int64
	AdvisoryName string
	// Manual is set when the trigger was fabricated from a manual
	// rebuild request; policy allow-lists do not apply then.
	Manual bool
}

func NewAdvisoryShipped(msgID string, advisoryID int64, name string) AdvisoryShipped {
	return AdvisoryShipped{base: base{MsgID: msgID}, AdvisoryID: advisoryID, AdvisoryName: name}
}

func (t AdvisoryShipped) Kind() Kind        { return KindAdvisoryShipped }
func (t AdvisoryShipped) SearchKey() string { return fmt.Sprintf("%d", t.AdvisoryID) }

// BuildStateChange is the build-system completion callback for one task.
type BuildStateChange struct {
	base
	TaskID int64
	// NewState is the build system's terminal state name, "closed" or
	// "failed".
	NewState string
}

func NewBuildStateChange(msgID string, taskID int64, newState string) BuildStateChange {
	return BuildStateChange{base: base{MsgID: msgID}, TaskID: taskID, NewState: newState}
}

func (t BuildStateChange) Kind() Kind        { return KindBuildStateChange }
func (t BuildStateChange) SearchKey() string { return fmt.Sprintf("%d", t.TaskID) }

// ComposeStateChange reports a compose reaching a terminal state.
type ComposeStateChange struct {
	base
	ComposeID int64
	State     string
}

func NewComposeStateChange(msgID string, composeID int64, state string) ComposeStateChange {
	return ComposeStateChange{base: base{MsgID: msgID}, ComposeID: composeID, State: state}
}

func (t ComposeStateChange) Kind() Kind        { return KindComposeStateChange }
func (t ComposeStateChange) SearchKey() string { return fmt.Sprintf("%d", t.ComposeID) }

// ManualRebuild is an operator request to rebuild images for an advisory.
type ManualRebuild struct {
	base
	AdvisoryID   int64
	AdvisoryName string
}

func NewManualRebuild(msgID string, advisoryID int64, name string) ManualRebuild {
	return ManualRebuild{base: base{MsgID: msgID}, AdvisoryID: advisoryID, AdvisoryName: name}
}

func (t ManualRebuild) Kind() Kind        { return KindManualRebuild }
func (t ManualRebuild) SearchKey() string { return fmt.Sprintf("%d", t.AdvisoryID) }
