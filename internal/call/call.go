package call

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pawpal-app/pawcall/internal/media"
	"github.com/pawpal-app/pawcall/internal/session"
	"github.com/pawpal-app/pawcall/internal/signaling"
)

// ErrNotRinging is returned when accept or reject races another terminal
// action. The losing action is a no-op.
var ErrNotRinging = errors.New("call is not ringing")

// HistoryRecorder persists finished calls. Failures never affect teardown.
type HistoryRecorder interface {
	RecordCall(matchID, callType string, durationSeconds int, isIncoming bool) error
}

// Config wires one call attempt. The transport and channel are resolved by
// the caller; History may be nil.
type Config struct {
	MatchID    string
	CallType   string
	LocalID    string
	RemoteID   string
	Transport  signaling.Transport
	Media      media.Provider
	ICEServers []webrtc.ICEServer
	History    HistoryRecorder
	Logger     *slog.Logger

	// NowFn overrides the clock in tests.
	NowFn func() time.Time
}

// Call is one call attempt as the hosting UI sees it. It owns the lifecycle
// state and drives the underlying session; it is the only writer of
// user-facing status.
type Call struct {
	cfg      Config
	incoming bool
	channel  string
	logger   *slog.Logger
	machine  *Machine

	mu       sync.Mutex
	offer    signaling.OfferPayload
	sess     *session.Session
	ringSubs []signaling.Subscription
	buffered []webrtc.ICECandidateInit
	claimed  bool // an Accept is in flight or done

	listenerMu sync.Mutex
	onTrack    []func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onEnd      []func(Outcome)
	notifyOnce sync.Once
}

// NewOutgoing prepares a dialing call. Nothing happens on the channel until
// Start.
func NewOutgoing(cfg Config) *Call {
	return newCall(cfg, false)
}

// NewIncoming wraps an observed offer as a ringing call. It immediately
// starts buffering trickled candidates and watching for the caller hanging
// up before we answer.
func NewIncoming(cfg Config, offer signaling.OfferPayload) *Call {
	if offer.Type != "" {
		cfg.CallType = offer.Type
	}
	c := newCall(cfg, true)
	c.offer = offer
	c.ringSubscribe(signaling.EventICECandidate, c.bufferCandidate)
	c.ringSubscribe(signaling.EventCallEnd, func(signaling.Envelope) {
		c.machine.RemoteEnded()
	})
	return c
}

func newCall(cfg Config, incoming bool) *Call {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Call{
		cfg:      cfg,
		incoming: incoming,
		channel:  signaling.ChannelName(cfg.MatchID),
		logger:   cfg.Logger.With("match_id", cfg.MatchID, "call_type", cfg.CallType),
		machine:  NewMachine(incoming, cfg.NowFn),
	}
	c.machine.OnTransition(func(st State) {
		if st == StateEnded {
			if out, ok := c.machine.Outcome(); ok {
				c.finish(out)
			}
		}
	})
	return c
}

// State returns the current lifecycle state.
func (c *Call) State() State { return c.machine.State() }

// IsIncoming reports whether this attempt was discovered via an inbound
// offer. It selects the initial state and the history record direction,
// nothing else.
func (c *Call) IsIncoming() bool { return c.incoming }

// Start dials: capture media, publish the offer, wait for the answer. Only
// valid on an outgoing call. On a media failure the call ends immediately
// with a typed *media.AcquisitionError and no offer is ever published.
func (c *Call) Start() (*media.LocalStream, error) {
	sess := c.newSession()

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	stream, err := sess.Start()
	if err != nil {
		c.failSetup(err)
		return nil, err
	}

	c.ringSubscribe(signaling.EventCallRejected, func(signaling.Envelope) {
		c.machine.RemoteRejected()
	})
	return stream, nil
}

// Accept answers a ringing call: capture media, apply the buffered offer
// and candidates, publish the answer. A second accept, even one racing the
// first while media is still being acquired, or an accept racing a remote
// hangup, is a no-op returning ErrNotRinging.
func (c *Call) Accept() (*media.LocalStream, error) {
	c.mu.Lock()
	if c.claimed || c.machine.State() != StateRinging {
		c.mu.Unlock()
		return nil, ErrNotRinging
	}
	c.claimed = true
	offer := c.offer
	c.cancelRingSubsLocked()
	buffered := c.buffered
	c.buffered = nil
	sess := c.newSession()
	c.sess = sess
	c.mu.Unlock()

	stream, err := sess.Accept(offer, buffered)
	if err != nil {
		c.failSetup(err)
		return nil, err
	}

	if !c.machine.Accepted() {
		// The call left ringing while we were acquiring media; release
		// everything we just grabbed.
		sess.Abort()
		return nil, ErrNotRinging
	}
	return stream, nil
}

// failSetup ends the machine after Start or Accept returned an error. Only
// capture failures are labelled as media failures; any other setup error is
// a dead negotiation (the session's ended callback usually got there first,
// making this a no-op).
func (c *Call) failSetup(err error) {
	var acqErr *media.AcquisitionError
	if errors.As(err, &acqErr) {
		c.machine.MediaFailed()
		return
	}
	c.machine.ConnectionLost()
}

// Reject declines a ringing call without acquiring media. Idempotent once
// the call has left ringing.
func (c *Call) Reject() error {
	if !c.machine.Reject() {
		return ErrNotRinging
	}
	if err := c.cfg.Transport.Publish(c.channel, signaling.EventCallRejected, nil); err != nil {
		c.logger.Warn("publish call-rejected failed", "error", err)
	}
	return nil
}

// End hangs up from any live state. Safe to call repeatedly.
func (c *Call) End() {
	c.machine.Hangup()
}

// OnRemoteStream registers a listener for inbound media tracks.
func (c *Call) OnRemoteStream(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.listenerMu.Lock()
	c.onTrack = append(c.onTrack, fn)
	c.listenerMu.Unlock()
}

// OnCallEnd registers a listener fired exactly once with the call outcome,
// so the hosting window can close itself and show the duration.
func (c *Call) OnCallEnd(fn func(Outcome)) {
	c.listenerMu.Lock()
	c.onEnd = append(c.onEnd, fn)
	c.listenerMu.Unlock()
}

// OnStateChange registers a listener for lifecycle transitions.
func (c *Call) OnStateChange(fn func(State)) {
	c.machine.OnTransition(fn)
}

func (c *Call) newSession() *session.Session {
	sess := session.New(session.Config{
		MatchID:    c.cfg.MatchID,
		CallType:   c.cfg.CallType,
		LocalID:    c.cfg.LocalID,
		RemoteID:   c.cfg.RemoteID,
		Transport:  c.cfg.Transport,
		Media:      c.cfg.Media,
		ICEServers: c.cfg.ICEServers,
		Logger:     c.cfg.Logger,
	})

	sess.OnAnswer(func() {
		c.machine.AnswerReceived()
	})
	sess.OnRemoteTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.listenerMu.Lock()
		fns := make([]func(*webrtc.TrackRemote, *webrtc.RTPReceiver), len(c.onTrack))
		copy(fns, c.onTrack)
		c.listenerMu.Unlock()
		for _, fn := range fns {
			fn(track, receiver)
		}
	})
	sess.OnEnded(func(reason session.EndReason) {
		switch reason {
		case session.ReasonRemoteHangup:
			c.machine.RemoteEnded()
		case session.ReasonConnectionLost, session.ReasonNegotiationFailed:
			c.machine.ConnectionLost()
		}
	})
	return sess
}

// finish runs once per call when the machine enters StateEnded: tear the
// session down, persist history, notify the host.
func (c *Call) finish(out Outcome) {
	c.mu.Lock()
	sess := c.sess
	c.cancelRingSubsLocked()
	c.buffered = nil
	c.mu.Unlock()

	switch {
	case sess == nil:
		// No session was ever built (rejected or hung up while ringing,
		// or ended before dialing). The far end only needs a signal for a
		// local hangup; reject already sent its own.
		if out.Reason == EndLocalHangup {
			if err := c.cfg.Transport.Publish(c.channel, signaling.EventCallEnd, nil); err != nil {
				c.logger.Warn("publish call-end failed", "error", err)
			}
		}
	case out.Reason == EndLocalHangup:
		sess.End()
	default:
		// Remote-initiated or failure teardown: the far end already knows.
		sess.Abort()
	}

	if out.DurationSeconds > 0 && c.cfg.History != nil {
		if err := c.cfg.History.RecordCall(c.cfg.MatchID, c.cfg.CallType, out.DurationSeconds, c.incoming); err != nil {
			c.logger.Warn("recording call history failed", "error", err)
		}
	}

	c.notifyOnce.Do(func() {
		c.listenerMu.Lock()
		fns := make([]func(Outcome), len(c.onEnd))
		copy(fns, c.onEnd)
		c.listenerMu.Unlock()
		for _, fn := range fns {
			fn(out)
		}
		c.logger.Info("call ended", "reason", string(out.Reason), "duration_s", out.DurationSeconds, "incoming", c.incoming)
	})
}

func (c *Call) ringSubscribe(eventType string, h signaling.Handler) {
	sub, err := c.cfg.Transport.Subscribe(c.channel, eventType, h)
	if err != nil {
		c.logger.Warn("signaling subscribe failed", "type", eventType, "error", err)
		return
	}
	c.mu.Lock()
	c.ringSubs = append(c.ringSubs, sub)
	c.mu.Unlock()
}

// discard drops a call that was never surfaced to the host: cancel the
// ring subscriptions, signal nothing.
func (c *Call) discard() {
	c.mu.Lock()
	c.cancelRingSubsLocked()
	c.mu.Unlock()
}

func (c *Call) cancelRingSubsLocked() {
	for _, sub := range c.ringSubs {
		sub.Cancel()
	}
	c.ringSubs = nil
}

func (c *Call) bufferCandidate(env signaling.Envelope) {
	var payload signaling.CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.logger.Debug("discarding bad candidate payload", "error", err, "bytes", len(env.Payload))
		return
	}
	c.mu.Lock()
	c.buffered = append(c.buffered, payload.Candidate)
	c.mu.Unlock()
}
