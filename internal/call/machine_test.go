package call

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMachineInitialState(t *testing.T) {
	if got := NewMachine(false, nil).State(); got != StateConnecting {
		t.Fatalf("outgoing machine state = %q, want %q", got, StateConnecting)
	}
	if got := NewMachine(true, nil).State(); got != StateRinging {
		t.Fatalf("incoming machine state = %q, want %q", got, StateRinging)
	}
}

func TestMachineOutgoingHappyPath(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(false, clock.Now)

	if !m.AnswerReceived() {
		t.Fatal("AnswerReceived on connecting machine did not apply")
	}
	if got := m.State(); got != StateActive {
		t.Fatalf("state = %q, want %q", got, StateActive)
	}

	clock.Advance(95 * time.Second)
	if !m.Hangup() {
		t.Fatal("Hangup on active machine did not apply")
	}

	out, ok := m.Outcome()
	if !ok {
		t.Fatal("no outcome after hangup")
	}
	if out.Reason != EndLocalHangup {
		t.Fatalf("reason = %q, want %q", out.Reason, EndLocalHangup)
	}
	if out.DurationSeconds != 95 {
		t.Fatalf("duration = %d, want 95", out.DurationSeconds)
	}
}

func TestMachineDurationFloorsToWholeSeconds(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(true, clock.Now)

	m.Accepted()
	clock.Advance(42*time.Second + 900*time.Millisecond)
	m.RemoteEnded()

	out, _ := m.Outcome()
	if out.DurationSeconds != 42 {
		t.Fatalf("duration = %d, want 42", out.DurationSeconds)
	}
}

func TestMachineDurationZeroWhenNeverActive(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(true, clock.Now)

	clock.Advance(30 * time.Second)
	if !m.Reject() {
		t.Fatal("Reject on ringing machine did not apply")
	}

	out, _ := m.Outcome()
	if out.Reason != EndRejected {
		t.Fatalf("reason = %q, want %q", out.Reason, EndRejected)
	}
	if out.DurationSeconds != 0 {
		t.Fatalf("duration = %d, want 0 for a call that never became active", out.DurationSeconds)
	}
}

func TestMachineEndedIsTerminal(t *testing.T) {
	m := NewMachine(true, nil)

	if !m.Reject() {
		t.Fatal("first Reject did not apply")
	}
	if m.Reject() {
		t.Fatal("second Reject applied on an ended machine")
	}
	if m.Accepted() {
		t.Fatal("Accepted applied on an ended machine")
	}
	if m.RemoteEnded() {
		t.Fatal("RemoteEnded applied on an ended machine")
	}

	out, _ := m.Outcome()
	if out.Reason != EndRejected {
		t.Fatalf("outcome overwritten: reason = %q, want %q", out.Reason, EndRejected)
	}
}

func TestMachineAcceptRacesRemoteHangup(t *testing.T) {
	m := NewMachine(true, nil)

	if !m.RemoteEnded() {
		t.Fatal("RemoteEnded on ringing machine did not apply")
	}
	if m.Accepted() {
		t.Fatal("Accepted applied after remote hangup")
	}
	out, _ := m.Outcome()
	if out.Reason != EndRemoteHangup {
		t.Fatalf("reason = %q, want %q", out.Reason, EndRemoteHangup)
	}
}

func TestMachineTransitionListeners(t *testing.T) {
	m := NewMachine(false, nil)

	var seen []State
	m.OnTransition(func(st State) {
		seen = append(seen, st)
	})

	m.AnswerReceived()
	m.Hangup()
	m.Hangup() // no-op, must not fire

	if len(seen) != 2 || seen[0] != StateActive || seen[1] != StateEnded {
		t.Fatalf("transitions = %v, want [active ended]", seen)
	}
}
