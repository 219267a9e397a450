// Package session implements the call session manager: one peer-to-peer
// media negotiation over a signaling channel. A Session owns the peer
// connection and the local media stream; the call state machine above it
// never touches WebRTC directly.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/pawpal-app/pawcall/internal/media"
	"github.com/pawpal-app/pawcall/internal/signaling"
)

// NegotiationState tracks which side has produced or consumed which session
// description.
type NegotiationState string

const (
	NegotiationNone           NegotiationState = "no-offer"
	NegotiationOfferSent      NegotiationState = "offer-sent"
	NegotiationOfferReceived  NegotiationState = "offer-received"
	NegotiationAnswerSent     NegotiationState = "answer-sent"
	NegotiationAnswerReceived NegotiationState = "answer-received"
)

// EndReason says why a session reached its terminal state.
type EndReason string

const (
	ReasonLocalHangup       EndReason = "local-hangup"
	ReasonRemoteHangup      EndReason = "remote-hangup"
	ReasonConnectionLost    EndReason = "connection-lost"
	ReasonNegotiationFailed EndReason = "negotiation-failed"
)

var errSessionClosed = errors.New("session already closed")

// Config carries everything a session needs. The channel name is resolved
// by the caller; sessions never discover it from ambient state.
type Config struct {
	MatchID    string
	CallType   string // signaling.CallTypeAudio or CallTypeVideo
	LocalID    string
	RemoteID   string
	Transport  signaling.Transport
	Media      media.Provider
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// Session is one active or pending peer media negotiation. Create it with
// New, then drive it with exactly one of Start (caller side) or Accept
// (callee side). End is idempotent and safe on every exit path.
type Session struct {
	id      string
	cfg     Config
	channel string
	logger  *slog.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	local     *media.LocalStream
	negState  NegotiationState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	subs      []signaling.Subscription
	closed    bool

	listenerMu sync.Mutex
	nextID     int
	onTrack    map[int]func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onAnswer   map[int]func()
	onEnded    map[int]func(EndReason)
	endedOnce  sync.Once
}

// New creates an idle session. No media is captured and nothing is
// published until Start or Accept.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		channel:  signaling.ChannelName(cfg.MatchID),
		logger:   cfg.Logger.With("match_id", cfg.MatchID),
		negState: NegotiationNone,
		onTrack:  make(map[int]func(*webrtc.TrackRemote, *webrtc.RTPReceiver)),
		onAnswer: make(map[int]func()),
		onEnded:  make(map[int]func(EndReason)),
	}
}

// ID returns the session instance id.
func (s *Session) ID() string { return s.id }

// NegotiationState returns the current description-exchange state.
func (s *Session) NegotiationState() NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negState
}

// Start runs the caller side: capture local media, create the peer
// connection, publish the offer, and listen for the answer and trickled
// candidates. The returned stream is owned by the session and released on
// every terminal transition.
func (s *Session) Start() (*media.LocalStream, error) {
	local, err := s.cfg.Media.Capture(s.cfg.CallType == signaling.CallTypeVideo)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		local.Close()
		return nil, errSessionClosed
	}
	s.local = local
	if err := s.buildPeerLocked(); err != nil {
		s.mu.Unlock()
		// Nothing was published yet; tear down silently.
		s.end(false, ReasonNegotiationFailed)
		return nil, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.mu.Unlock()
		s.end(false, ReasonNegotiationFailed)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	// The local description must be set before the offer leaves the
	// machine, otherwise trickled candidates race the description.
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.mu.Unlock()
		s.end(false, ReasonNegotiationFailed)
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	s.negState = NegotiationOfferSent
	s.mu.Unlock()

	// Subscribe before the offer goes out: a callee that answers
	// immediately must not race our answer subscription.
	s.subscribe(signaling.EventAnswer, s.handleAnswer)
	s.subscribe(signaling.EventICECandidate, s.handleCandidate)
	s.subscribe(signaling.EventCallEnd, s.handleRemoteEnd)

	s.publish(signaling.EventOffer, signaling.OfferPayload{
		Offer: offer,
		Type:  s.cfg.CallType,
		From:  s.cfg.LocalID,
		To:    s.cfg.RemoteID,
	})

	return local, nil
}

// Accept runs the callee side against a previously received offer.
// Candidates that arrived while the call was ringing are applied once the
// remote description is set.
func (s *Session) Accept(offer signaling.OfferPayload, buffered []webrtc.ICECandidateInit) (*media.LocalStream, error) {
	local, err := s.cfg.Media.Capture(s.cfg.CallType == signaling.CallTypeVideo)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		local.Close()
		return nil, errSessionClosed
	}
	s.local = local
	if err := s.buildPeerLocked(); err != nil {
		s.mu.Unlock()
		// The caller is waiting on its offer; let it know the call died.
		s.end(true, ReasonNegotiationFailed)
		return nil, err
	}

	if err := s.pc.SetRemoteDescription(offer.Offer); err != nil {
		s.mu.Unlock()
		s.end(true, ReasonNegotiationFailed)
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	s.negState = NegotiationOfferReceived
	s.remoteSet = true
	s.pending = append(s.pending, buffered...)
	s.flushPendingLocked()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.mu.Unlock()
		s.end(true, ReasonNegotiationFailed)
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.mu.Unlock()
		s.end(true, ReasonNegotiationFailed)
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	s.negState = NegotiationAnswerSent
	s.mu.Unlock()

	s.subscribe(signaling.EventICECandidate, s.handleCandidate)
	s.subscribe(signaling.EventCallEnd, s.handleRemoteEnd)

	s.publish(signaling.EventAnswer, signaling.AnswerPayload{
		Answer: answer,
		From:   s.cfg.LocalID,
		To:     s.cfg.RemoteID,
	})

	return local, nil
}

// SendReject publishes call-rejected on the channel. It needs no media and
// no peer connection, so a ringing callee can reject without ever touching
// a device.
func (s *Session) SendReject() {
	s.publish(signaling.EventCallRejected, nil)
}

// End tears the session down: notify the far end first, then release local
// media, close the peer connection, and drop the channel subscriptions.
// Idempotent; later calls are no-ops.
func (s *Session) End() {
	s.end(true, ReasonLocalHangup)
}

// Abort tears the session down without publishing call-end, for paths
// where the far end already knows the call is over (it rejected, hung up,
// or the connection failed).
func (s *Session) Abort() {
	s.end(false, ReasonLocalHangup)
}

func (s *Session) end(publishEnd bool, reason EndReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	local := s.local
	pc := s.pc
	subs := s.subs
	s.subs = nil
	s.pending = nil
	s.mu.Unlock()

	if publishEnd {
		s.publish(signaling.EventCallEnd, nil)
	}
	s.fireEnded(reason)

	local.Close()
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debug("peer connection close", "error", err)
		}
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}

// AddRemoteCandidate applies one trickled candidate. Candidates arriving
// before the remote description are buffered and flushed when it is set;
// a single bad candidate is logged and dropped, never fatal.
func (s *Session) AddRemoteCandidate(cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.pc == nil || !s.remoteSet {
		s.pending = append(s.pending, cand)
		return
	}
	if err := s.pc.AddICECandidate(cand); err != nil {
		s.logger.Debug("dropping bad ice candidate", "error", err)
	}
}

// PendingCandidates reports how many inbound candidates are waiting for the
// remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnRemoteTrack registers a listener for inbound media. The remote party's
// capabilities govern what arrives: video, audio, or both, independent of
// the requested call type. Returns a cancel func.
func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.onTrack[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.onTrack, id)
		s.listenerMu.Unlock()
	}
}

// OnAnswer registers a listener fired when the remote answer has been
// applied. Returns a cancel func.
func (s *Session) OnAnswer(fn func()) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.onAnswer[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.onAnswer, id)
		s.listenerMu.Unlock()
	}
}

// OnEnded registers a listener fired exactly once when the session reaches
// a terminal state for any reason: explicit end, remote end signal, or
// connection failure. Returns a cancel func.
func (s *Session) OnEnded(fn func(EndReason)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.onEnded[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.onEnded, id)
		s.listenerMu.Unlock()
	}
}

// buildPeerLocked creates the peer connection, attaches local tracks (or
// recvonly transceivers when there are none) and wires the pion callbacks.
// Caller holds s.mu.
func (s *Session) buildPeerLocked() error {
	pc, err := s.cfg.Media.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	s.pc = pc

	tracks := s.local.Tracks()
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			s.logger.Warn("add local track", "error", err)
		}
	}
	if len(tracks) == 0 {
		// Recvonly transceivers keep the SDP valid (m-lines with ICE
		// credentials) so a device-less side can still receive media.
		s.addRecvOnlyTransceivers(pc)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.publish(signaling.EventICECandidate, signaling.CandidatePayload{Candidate: c.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Debug("remote track", "kind", track.Kind().String())
		s.listenerMu.Lock()
		fns := make([]func(*webrtc.TrackRemote, *webrtc.RTPReceiver), 0, len(s.onTrack))
		for _, fn := range s.onTrack {
			fns = append(fns, fn)
		}
		s.listenerMu.Unlock()
		for _, fn := range fns {
			fn(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.end(false, ReasonConnectionLost)
		}
	})

	return nil
}

func (s *Session) addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			s.logger.Warn("add recvonly transceiver", "kind", kind.String(), "error", err)
		}
	}
}

func (s *Session) handleAnswer(env signaling.Envelope) {
	var payload signaling.AnswerPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Debug("discarding bad answer payload", "error", err, "bytes", len(env.Payload))
		return
	}
	if payload.To != "" && payload.To != s.cfg.LocalID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.negState != NegotiationOfferSent {
		// Duplicate or out-of-sequence answer; keep the session alive.
		s.mu.Unlock()
		s.logger.Debug("discarding answer", "negotiation_state", string(s.negState))
		return
	}
	if err := s.pc.SetRemoteDescription(payload.Answer); err != nil {
		s.mu.Unlock()
		s.logger.Warn("applying initial answer failed", "error", err)
		s.end(true, ReasonNegotiationFailed)
		return
	}
	s.negState = NegotiationAnswerReceived
	s.remoteSet = true
	s.flushPendingLocked()
	s.mu.Unlock()

	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.onAnswer))
	for _, fn := range s.onAnswer {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) handleCandidate(env signaling.Envelope) {
	var payload signaling.CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Debug("discarding bad candidate payload", "error", err, "bytes", len(env.Payload))
		return
	}
	s.AddRemoteCandidate(payload.Candidate)
}

func (s *Session) handleRemoteEnd(signaling.Envelope) {
	s.end(false, ReasonRemoteHangup)
}

// flushPendingLocked applies candidates buffered before the remote
// description was set. Caller holds s.mu with remoteSet true.
func (s *Session) flushPendingLocked() {
	for _, cand := range s.pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			s.logger.Debug("dropping buffered ice candidate", "error", err)
		}
	}
	s.pending = nil
}

func (s *Session) publish(eventType string, payload any) {
	if err := s.cfg.Transport.Publish(s.channel, eventType, payload); err != nil {
		// Signaling is best-effort; a lost message leaves the call where
		// it is rather than failing it.
		s.logger.Warn("signaling publish failed", "type", eventType, "error", err)
	}
}

func (s *Session) subscribe(eventType string, h signaling.Handler) {
	sub, err := s.cfg.Transport.Subscribe(s.channel, eventType, h)
	if err != nil {
		s.logger.Warn("signaling subscribe failed", "type", eventType, "error", err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) fireEnded(reason EndReason) {
	s.endedOnce.Do(func() {
		s.listenerMu.Lock()
		fns := make([]func(EndReason), 0, len(s.onEnded))
		for _, fn := range s.onEnded {
			fns = append(fns, fn)
		}
		s.listenerMu.Unlock()
		for _, fn := range fns {
			fn(reason)
		}
	})
}
