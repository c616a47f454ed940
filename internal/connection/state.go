package connection

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of the broker session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Transition events.
const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventLost        = "lost"
	eventExhausted   = "exhausted"
	eventClose       = "close"
)

// transition carries details into the enter_state callback.
type transition struct {
	err    error
	delay  time.Duration
	reason string
}

// Status is a point-in-time view of a Manager.
type Status struct {
	State     State
	Reason    string // set when State is StateFailed
	Attempt   int
	LastError error
	Since     time.Time

	// NextRetry is when the pending reconnect fires, zero if none.
	NextRetry time.Time

	// MissingSubscriptions lists topics that failed their retry.
	MissingSubscriptions []string
}

// newStateMachine builds the session state machine. onEnter runs on every
// state change, inside Event, and must not fire further events.
func newStateMachine(onEnter func(from, to State, t transition)) *fsm.FSM {
	events := fsm.Events{
		{Name: eventDial, Src: []string{string(StateDisconnected), string(StateReconnecting), string(StateFailed)}, Dst: string(StateConnecting)},
		{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: eventLost, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateReconnecting)},
		{Name: eventExhausted, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateFailed)},
		{Name: eventClose, Src: []string{string(StateConnecting), string(StateConnected), string(StateReconnecting), string(StateFailed)}, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			var t transition
			if len(e.Args) > 0 {
				if v, ok := e.Args[0].(transition); ok {
					t = v
				}
			}
			onEnter(State(e.Src), State(e.Dst), t)
		},
	}

	return fsm.NewFSM(string(StateDisconnected), events, callbacks)
}

// isFsmRealError filters the errors looplab/fsm uses for "nothing to do".
func isFsmRealError(err error) bool {
	if err == nil {
		return false
	}
	var noTransition fsm.NoTransitionError
	var canceled fsm.CanceledError
	if errors.As(err, &noTransition) || errors.As(err, &canceled) {
		return false
	}
	return true
}
