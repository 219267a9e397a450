package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pawpal-app/pawcall/internal/history"
	"github.com/pawpal-app/pawcall/internal/signaling"
)

func newTestServer(t *testing.T) (*httptest.Server, *Handlers) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := history.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}

	h := NewHandlers(HandlersConfig{
		Hub:         NewHub(),
		TokenSecret: []byte("test-secret"),
		History:     store,
	})

	router := gin.New()
	h.Register(router.Group("/api"))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, h
}

func createChannel(t *testing.T, srv *httptest.Server, matchID string) createChannelResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"match_id": matchID,
		"caller":   "alice",
		"callee":   "bob",
	})
	resp, err := http.Post(srv.URL+"/api/channels", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create channel status = %d", resp.StatusCode)
	}

	var out createChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode channel response: %v", err)
	}
	return out
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCreateChannelMintsTokensPerParticipant(t *testing.T) {
	srv, h := newTestServer(t)

	out := createChannel(t, srv, "m1")
	if out.Channel != "call:m1" {
		t.Fatalf("channel = %q, want call:m1", out.Channel)
	}
	if len(out.Tokens) != 2 {
		t.Fatalf("tokens = %d, want 2", len(out.Tokens))
	}

	channel, participant, err := h.tokens.Verify(out.Tokens["alice"])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if channel != "call:m1" || participant != "alice" {
		t.Fatalf("token grants %q/%q, want call:m1/alice", channel, participant)
	}
}

func TestCreateChannelRequiresMatchID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/channels", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketRequiresValidToken(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=garbage"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial succeeded with a garbage token")
	}

	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial succeeded without a token")
	}
}

func waitOnline(t *testing.T, h *Handlers, channel string, participants ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		online := true
		for _, p := range participants {
			if !h.hub.Online(channel, p) {
				online = false
				break
			}
		}
		if online {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("participants %v never came online on %s", participants, channel)
}

func TestWebSocketRelaysBetweenParticipants(t *testing.T) {
	srv, h := newTestServer(t)
	out := createChannel(t, srv, "m1")

	alice := dialWS(t, srv, out.Tokens["alice"])
	bob := dialWS(t, srv, out.Tokens["bob"])
	waitOnline(t, h, "call:m1", "alice", "bob")

	// Unaddressed envelopes go to the other participant; the relay stamps
	// channel and sender from the token, not from the message.
	env := signaling.Envelope{
		Channel: "call:spoofed",
		Type:    signaling.EventOffer,
		From:    "mallory",
		Payload: json.RawMessage(`{"sdp":"x"}`),
	}
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = bob.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got signaling.Envelope
	if err := bob.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Channel != "call:m1" {
		t.Fatalf("channel = %q, want call:m1", got.Channel)
	}
	if got.From != "alice" {
		t.Fatalf("from = %q, want alice", got.From)
	}
	if got.Type != signaling.EventOffer {
		t.Fatalf("type = %q, want offer", got.Type)
	}

	// Addressed envelopes route by the To field.
	reply := signaling.Envelope{Type: signaling.EventAnswer, To: "alice"}
	if err := bob.WriteJSON(reply); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = alice.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := alice.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != signaling.EventAnswer || got.From != "bob" {
		t.Fatalf("got %+v, want answer from bob", got)
	}
}

func TestWebSocketIsolatesChannels(t *testing.T) {
	srv, _ := newTestServer(t)
	m1 := createChannel(t, srv, "m1")
	m2 := createChannel(t, srv, "m2")

	alice := dialWS(t, srv, m1.Tokens["alice"])
	stranger := dialWS(t, srv, m2.Tokens["bob"])

	if err := alice.WriteJSON(signaling.Envelope{Type: signaling.EventOffer}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = stranger.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var got signaling.Envelope
	if err := stranger.ReadJSON(&got); err == nil {
		t.Fatalf("participant on another channel received %+v", got)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"match_id":         "m1",
		"call_type":        "video",
		"duration_seconds": 73,
		"is_incoming":      true,
	})
	resp, err := http.Post(srv.URL+"/api/history", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/history/m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}

	var out struct {
		Calls []history.CallRecord `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(out.Calls))
	}
	if out.Calls[0].DurationSeconds != 73 || !out.Calls[0].IsIncoming || out.Calls[0].CallType != "video" {
		t.Fatalf("record = %+v", out.Calls[0])
	}
}

func TestHistoryRejectsBadRecords(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []string{
		`{}`,
		`{"match_id":"m1"}`,
		`{"match_id":"m1","call_type":"audio","duration_seconds":-1}`,
	}
	for _, body := range cases {
		resp, err := http.Post(srv.URL+"/api/history", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestTurnConfigUnavailableWithoutRelay(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/turn-config")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
