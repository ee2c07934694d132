package trigger

// MaxManageTries caps how many times a management trigger regenerates
// itself before the remaining work is dropped and reported.
const MaxManageTries = 3

// Manage is the management trigger kind. It carries its own attempt
// counter; handlers consult LastTry to stop producing follow-up work.
type Manage struct {
	base
	Action string
	// BuildIDs are the database ids of the builds the action applies to.
	BuildIDs []int64
	TryCount int
	LastTry  bool
}

// Management actions.
const (
	ActionCancelEvent = "eventcancel"
)

// NewManage creates the first attempt of a management trigger.
func NewManage(msgID, action string, buildIDs []int64) Manage {
	return Manage{
		base:     base{MsgID: msgID},
		Action:   action,
		BuildIDs: buildIDs,
		TryCount: 1,
		LastTry:  MaxManageTries == 1,
	}
}

func (t Manage) Kind() Kind        { return KindManage }
func (t Manage) SearchKey() string { return t.Action }

// Outcome is the explicit result of asking a management trigger for its
// next attempt.
type Outcome int

const (
	// OutcomeRetry means another attempt is allowed; use the returned
	// trigger.
	OutcomeRetry Outcome = iota
	// OutcomeGiveUp means the try cap is reached; no trigger follows.
	OutcomeGiveUp
)

// Next returns the follow-up attempt for the given remaining build ids.
// Once the cap is reached it returns OutcomeGiveUp and the zero trigger;
// the dispatcher drops the work instead of looping.
func (t Manage) Next(remaining []int64) (Manage, Outcome) {
	if t.LastTry || t.TryCount >= MaxManageTries {
		return Manage{}, OutcomeGiveUp
	}
	next := Manage{
		base:     base{MsgID: t.MsgID},
		Action:   t.Action,
		BuildIDs: remaining,
		TryCount: t.TryCount + 1,
	}
	next.LastTry = next.TryCount == MaxManageTries
	return next, OutcomeRetry
}
