package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pawpal-app/pawcall/internal/media"
	"github.com/pawpal-app/pawcall/internal/signaling"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestSession(t *testing.T, transport signaling.Transport, provider media.Provider, localID, remoteID string) *Session {
	t.Helper()
	return New(Config{
		MatchID:   "m1",
		CallType:  signaling.CallTypeAudio,
		LocalID:   localID,
		RemoteID:  remoteID,
		Transport: transport,
		Media:     provider,
	})
}

func TestSessionBuffersCandidatesUntilRemoteDescription(t *testing.T) {
	bus := signaling.NewBus()
	s := newTestSession(t, bus.Client("alice"), media.NewFakeProvider(), "alice", "bob")

	s.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 50000 typ host"})
	s.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 127.0.0.1 50001 typ host"})

	if got := s.PendingCandidates(); got != 2 {
		t.Fatalf("pending candidates = %d, want 2", got)
	}

	s.Abort()
	if got := s.PendingCandidates(); got != 0 {
		t.Fatalf("pending candidates after teardown = %d, want 0", got)
	}
}

func TestSessionStartPublishesOffer(t *testing.T) {
	bus := signaling.NewBus()
	provider := media.NewFakeProvider()
	s := newTestSession(t, bus.Client("alice"), provider, "alice", "bob")

	var mu sync.Mutex
	offers := 0
	sub, _ := bus.Client("bob").Subscribe(signaling.ChannelName("m1"), signaling.EventOffer, func(signaling.Envelope) {
		mu.Lock()
		offers++
		mu.Unlock()
	})
	defer sub.Cancel()

	stream, err := s.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.End()
	if stream == nil {
		t.Fatal("start returned a nil stream")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return offers == 1
	}, "no offer was published")

	if got := s.NegotiationState(); got != NegotiationOfferSent {
		t.Fatalf("negotiation state = %q, want %q", got, NegotiationOfferSent)
	}
}

func TestSessionEndPublishesCallEndExactlyOnce(t *testing.T) {
	bus := signaling.NewBus()
	provider := media.NewFakeProvider()
	s := newTestSession(t, bus.Client("alice"), provider, "alice", "bob")

	var mu sync.Mutex
	ends := 0
	sub, _ := bus.Client("bob").Subscribe(signaling.ChannelName("m1"), signaling.EventCallEnd, func(signaling.Envelope) {
		mu.Lock()
		ends++
		mu.Unlock()
	})
	defer sub.Cancel()

	if _, err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.End()
	s.End()
	s.End()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ends >= 1
	}, "no call-end was published")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ends != 1 {
		t.Fatalf("call-end published %d times, want exactly 1", ends)
	}

	if provider.Released() != 1 {
		t.Fatalf("local stream released %d times, want 1", provider.Released())
	}
}

func TestSessionAbortDoesNotPublishCallEnd(t *testing.T) {
	bus := signaling.NewBus()
	s := newTestSession(t, bus.Client("alice"), media.NewFakeProvider(), "alice", "bob")

	var mu sync.Mutex
	ends := 0
	sub, _ := bus.Client("bob").Subscribe(signaling.ChannelName("m1"), signaling.EventCallEnd, func(signaling.Envelope) {
		mu.Lock()
		ends++
		mu.Unlock()
	})
	defer sub.Cancel()

	if _, err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Abort()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ends != 0 {
		t.Fatalf("abort published %d call-end messages, want 0", ends)
	}
}

func TestSessionOnEndedFiresOnceWithReason(t *testing.T) {
	bus := signaling.NewBus()
	s := newTestSession(t, bus.Client("alice"), media.NewFakeProvider(), "alice", "bob")

	var mu sync.Mutex
	var reasons []EndReason
	s.OnEnded(func(r EndReason) {
		mu.Lock()
		reasons = append(reasons, r)
		mu.Unlock()
	})

	if _, err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.End()
	s.End()

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonLocalHangup {
		t.Fatalf("ended reasons = %v, want exactly [local-hangup]", reasons)
	}
}

func TestSessionRemoteEndTearsDownSilently(t *testing.T) {
	bus := signaling.NewBus()
	alice := newTestSession(t, bus.Client("alice"), media.NewFakeProvider(), "alice", "bob")

	var mu sync.Mutex
	var gotReason EndReason
	aliceEnds := 0
	alice.OnEnded(func(r EndReason) {
		mu.Lock()
		gotReason = r
		mu.Unlock()
	})

	backEnds, _ := bus.Client("bob").Subscribe(signaling.ChannelName("m1"), signaling.EventCallEnd, func(signaling.Envelope) {
		mu.Lock()
		aliceEnds++
		mu.Unlock()
	})
	defer backEnds.Cancel()

	if _, err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = bus.Client("bob").Publish(signaling.ChannelName("m1"), signaling.EventCallEnd, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotReason == ReasonRemoteHangup
	}, "session never observed the remote hangup")

	// The far end initiated the teardown; answering with our own call-end
	// would be a spurious echo.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if aliceEnds != 0 {
		t.Fatalf("remote-initiated teardown published %d call-end messages, want 0", aliceEnds)
	}
}

func TestSessionCatchesImmediateAnswer(t *testing.T) {
	bus := signaling.NewBus()
	alice := newTestSession(t, bus.Client("alice"), media.NewFakeProvider(), "alice", "bob")

	var mu sync.Mutex
	answered := false
	alice.OnAnswer(func() {
		mu.Lock()
		answered = true
		mu.Unlock()
	})

	// Bob answers from inside the offer handler, so the answer hits the wire
	// while Start may still be returning on the caller side.
	var bob *Session
	sub, _ := bus.Client("bob").Subscribe(signaling.ChannelName("m1"), signaling.EventOffer, func(env signaling.Envelope) {
		var payload signaling.OfferPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Errorf("bad offer payload: %v", err)
			return
		}
		s := newTestSession(t, bus.Client("bob"), media.NewFakeProvider(), "bob", "alice")
		mu.Lock()
		bob = s
		mu.Unlock()
		if _, err := s.Accept(payload, nil); err != nil {
			t.Errorf("accept: %v", err)
		}
	})
	defer sub.Cancel()
	t.Cleanup(func() {
		mu.Lock()
		s := bob
		mu.Unlock()
		if s != nil {
			s.Abort()
		}
	})

	if _, err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer alice.Abort()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return answered
	}, "caller never applied the immediate answer")

	if got := alice.NegotiationState(); got != NegotiationAnswerReceived {
		t.Fatalf("negotiation state = %q, want %q", got, NegotiationAnswerReceived)
	}
}

func TestSessionMediaFailurePublishesNothing(t *testing.T) {
	bus := signaling.NewBus()
	provider := media.NewFakeProvider()
	provider.FailWith(media.CausePermissionDenied)
	s := newTestSession(t, bus.Client("alice"), provider, "alice", "bob")

	var mu sync.Mutex
	published := 0
	for _, eventType := range []string{signaling.EventOffer, signaling.EventCallEnd} {
		sub, _ := bus.Client("bob").Subscribe(signaling.ChannelName("m1"), eventType, func(signaling.Envelope) {
			mu.Lock()
			published++
			mu.Unlock()
		})
		defer sub.Cancel()
	}

	_, err := s.Start()
	if err == nil {
		t.Fatal("start succeeded with a failing capture")
	}
	var acqErr *media.AcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Cause != media.CausePermissionDenied {
		t.Fatalf("error = %v, want AcquisitionError with permission-denied", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if published != 0 {
		t.Fatalf("%d messages published after a capture failure, want 0", published)
	}
}
