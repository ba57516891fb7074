package rule

import "time"

// State is the rule's alert flag.
type State int

const (
	StateCleared State = iota
	StateTriggered
)

func (s State) String() string {
	if s == StateTriggered {
		return "triggered"
	}
	return "cleared"
}

// TriggerInfo is the rule state as reported to the host.
type TriggerInfo struct {
	State     State
	Assets    []string
	Timestamp time.Time
}

// alertState holds the flag and when it was last written. It has a single
// mutator, set, called once per evaluated batch.
type alertState struct {
	state   State
	updated time.Time
}

func (a *alertState) set(triggered bool, now time.Time) (previous State) {
	previous = a.state
	if triggered {
		a.state = StateTriggered
	} else {
		a.state = StateCleared
	}
	a.updated = now
	return previous
}
