package coordinator

import (
	"fmt"

	"github.com/openkcm/session-relay/internal/serviceerr"
)

// State is the state of the refresh cycle.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRefreshing
	StateCleared
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	case StateCleared:
		return "cleared"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives the refresh cycle from one State to the next.
type Event int

const (
	// EventArm is raised when a session is present at startup or accepted.
	EventArm Event = iota
	// EventFire is raised when the timer fires or a cycle is requested with a token present.
	EventFire
	// EventNoToken is raised when a cycle finds the store empty.
	EventNoToken
	EventRefreshed
	EventRefreshFailed
	// EventAborted is raised when the caller gave up on a refresh before it completed.
	EventAborted
	EventLogout
)

func (e Event) String() string {
	switch e {
	case EventArm:
		return "arm"
	case EventFire:
		return "fire"
	case EventNoToken:
		return "no_token"
	case EventRefreshed:
		return "refreshed"
	case EventRefreshFailed:
		return "refresh_failed"
	case EventAborted:
		return "aborted"
	case EventLogout:
		return "logout"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventArm:     StateScheduled,
		EventFire:    StateRefreshing,
		EventNoToken: StateIdle,
		EventLogout:  StateCleared,
	},
	StateScheduled: {
		EventArm:     StateScheduled,
		EventFire:    StateRefreshing,
		EventNoToken: StateIdle,
		EventLogout:  StateCleared,
	},
	StateRefreshing: {
		EventRefreshed:     StateScheduled,
		EventRefreshFailed: StateCleared,
		EventAborted:       StateScheduled,
	},
	StateCleared: {
		EventArm:     StateScheduled,
		EventNoToken: StateCleared,
		EventLogout:  StateCleared,
	},
}

// Next returns the state reached from s on e, or serviceerr.ErrInvalidTransition.
func (s State) Next(e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", serviceerr.ErrInvalidTransition, e, s)
	}
	return next, nil
}

// Armed reports whether the refresh timer runs in s.
func (s State) Armed() bool {
	return s == StateScheduled || s == StateRefreshing
}
