package session

import (
	"fmt"

	"github.com/clawde-io/cortexd/internal/store"
)

// transitions is the whitelist of valid session status pairs.
// Self-transitions are forbidden, and done/stopped are terminal.
var transitions = map[store.SessionStatus]map[store.SessionStatus]bool{
	store.SessionIdle:    {store.SessionRunning: true, store.SessionStopped: true},
	store.SessionRunning: {store.SessionIdle: true, store.SessionPaused: true, store.SessionDone: true, store.SessionError: true, store.SessionWaiting: true},
	store.SessionPaused:  {store.SessionIdle: true, store.SessionStopped: true},
	store.SessionWaiting: {store.SessionRunning: true, store.SessionError: true},
	store.SessionError:   {store.SessionRunning: true, store.SessionStopped: true},
}

func terminalSession(s store.SessionStatus) bool {
	return s == store.SessionDone || s == store.SessionStopped
}

// CanTransitionSession reports whether moving from `from` to `to` is
// whitelisted.
func CanTransitionSession(from, to store.SessionStatus) bool {
	if from == to {
		return false
	}
	if terminalSession(from) {
		return false
	}
	return transitions[from][to]
}

// ErrInvalidSessionTransition is returned when a (from, to) pair is not
// whitelisted.
type ErrInvalidSessionTransition struct {
	From, To store.SessionStatus
}

func (e *ErrInvalidSessionTransition) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}
