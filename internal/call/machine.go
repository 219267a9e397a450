// Package call tracks the user-visible lifecycle of one call attempt and
// drives the session manager in response to local actions and remote
// signaling events.
package call

import (
	"sync"
	"time"
)

// State is the user-visible lifecycle state of a call attempt.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting" // outgoing, dialing
	StateRinging    State = "ringing"    // incoming, awaiting accept/reject
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// EndReason says why a call reached StateEnded.
type EndReason string

const (
	EndLocalHangup    EndReason = "local-hangup"
	EndRemoteHangup   EndReason = "remote-hangup"
	EndRejected       EndReason = "rejected"
	EndRemoteRejected EndReason = "remote-rejected"
	EndConnectionLost EndReason = "connection-lost"
	EndMediaFailed    EndReason = "media-failed"
)

// Outcome is delivered to the hosting context exactly once when a call
// ends. DurationSeconds is wall time spent in StateActive, floored to whole
// seconds; zero when the call never became active.
type Outcome struct {
	Reason          EndReason
	DurationSeconds int
}

// Machine is the call state machine. Every transition helper returns
// whether it applied, so concurrent actions on the same call (a second
// accept, a duplicate call-end) degrade to no-ops. StateEnded is terminal:
// exactly one transition ever enters it.
type Machine struct {
	mu       sync.Mutex
	state    State
	nowFn    func() time.Time
	activeAt time.Time
	outcome  *Outcome

	listeners []func(State)
}

// NewMachine creates a machine for one call attempt. Incoming calls start
// ringing, outgoing calls start connecting. nowFn defaults to time.Now.
func NewMachine(incoming bool, nowFn func() time.Time) *Machine {
	if nowFn == nil {
		nowFn = time.Now
	}
	state := StateConnecting
	if incoming {
		state = StateRinging
	}
	return &Machine{state: state, nowFn: nowFn}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a listener invoked after every applied transition,
// outside the machine lock.
func (m *Machine) OnTransition(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Outcome returns the terminal outcome once the machine has ended.
func (m *Machine) Outcome() (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcome == nil {
		return Outcome{}, false
	}
	return *m.outcome, true
}

// AnswerReceived moves a dialing caller to active.
func (m *Machine) AnswerReceived() bool {
	return m.transition(StateActive, "", StateConnecting)
}

// Accepted moves a ringing callee to active, after media was acquired and
// the answer sent.
func (m *Machine) Accepted() bool {
	return m.transition(StateActive, "", StateRinging)
}

// Reject ends a ringing call locally.
func (m *Machine) Reject() bool {
	return m.transition(StateEnded, EndRejected, StateRinging)
}

// RemoteRejected ends the call after the far end rejected it.
func (m *Machine) RemoteRejected() bool {
	return m.transition(StateEnded, EndRemoteRejected, StateConnecting, StateActive)
}

// RemoteEnded ends the call after a call-end signal from the far end.
func (m *Machine) RemoteEnded() bool {
	return m.transition(StateEnded, EndRemoteHangup, StateConnecting, StateRinging, StateActive)
}

// Hangup ends the call on local user action.
func (m *Machine) Hangup() bool {
	return m.transition(StateEnded, EndLocalHangup, StateConnecting, StateRinging, StateActive)
}

// ConnectionLost ends the call after the underlying connection reached a
// terminal state without an explicit signal. Treated like a graceful
// remote hangup, no distinct user-facing error.
func (m *Machine) ConnectionLost() bool {
	return m.transition(StateEnded, EndConnectionLost, StateConnecting, StateRinging, StateActive)
}

// MediaFailed ends the call after local media acquisition failed, from any
// live state.
func (m *Machine) MediaFailed() bool {
	return m.transition(StateEnded, EndMediaFailed, StateConnecting, StateRinging, StateActive)
}

func (m *Machine) transition(to State, reason EndReason, from ...State) bool {
	m.mu.Lock()
	allowed := false
	for _, f := range from {
		if m.state == f {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return false
	}

	now := m.nowFn()
	m.state = to
	switch to {
	case StateActive:
		m.activeAt = now
	case StateEnded:
		duration := 0
		if !m.activeAt.IsZero() {
			duration = int(now.Sub(m.activeAt).Seconds())
			if duration < 0 {
				duration = 0
			}
		}
		m.outcome = &Outcome{Reason: reason, DurationSeconds: duration}
	}
	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(to)
	}
	return true
}
