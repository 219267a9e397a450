package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pawpal-app/pawcall/internal/signaling"
)

// Exercises the client-side websocket transport against a real relay: two
// participants dial with their channel tokens and exchange envelopes.
func TestWSTransportThroughRelay(t *testing.T) {
	srv, h := newTestServer(t)
	out := createChannel(t, srv, "m1")

	wsURL := func(token string) string {
		return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := signaling.DialWS(ctx, wsURL(out.Tokens["alice"]), nil)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()

	bob, err := signaling.DialWS(ctx, wsURL(out.Tokens["bob"]), nil)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	waitOnline(t, h, "call:m1", "alice", "bob")

	var mu sync.Mutex
	var got []signaling.Envelope
	sub, err := bob.Subscribe("call:m1", signaling.EventOffer, func(env signaling.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if err := alice.Publish("call:m1", signaling.EventOffer, map[string]string{"sdp": "v=0"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("bob received %d envelopes, want 1", len(got))
	}
	if got[0].From != "alice" {
		t.Fatalf("from = %q, want alice (stamped by the relay)", got[0].From)
	}
	if got[0].Channel != "call:m1" {
		t.Fatalf("channel = %q, want call:m1", got[0].Channel)
	}
}

func TestWSTransportCloseIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	out := createChannel(t, srv, "m1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := signaling.DialWS(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws?token="+out.Tokens["alice"], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	tr.Close()
	tr.Close()

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}

	// Publish after close must not block or error.
	if err := tr.Publish("call:m1", signaling.EventCallEnd, nil); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
