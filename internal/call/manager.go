package call

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pawpal-app/pawcall/internal/media"
	"github.com/pawpal-app/pawcall/internal/signaling"
)

// ErrCallInProgress is returned when dialing a match that already has a
// live call attempt. One attempt per match, in either direction.
var ErrCallInProgress = errors.New("a call is already in progress for this match")

// Incoming describes an observed call offer awaiting a local decision.
type Incoming struct {
	MatchID  string
	CallType string
	From     string
	Call     *Call
}

// Manager owns the live call attempts of one local participant and watches
// channels for inbound offers.
type Manager struct {
	transport signaling.Transport
	media     media.Provider
	ice       []webrtc.ICEServer
	history   HistoryRecorder
	localID   string
	logger    *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call // matchID → live attempt

	incomingMu sync.RWMutex
	incoming   []func(*Incoming)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Transport  signaling.Transport
	Media      media.Provider
	ICEServers []webrtc.ICEServer
	History    HistoryRecorder
	LocalID    string
	Logger     *slog.Logger
}

// NewManager creates a manager. Watch must be called per match channel to
// observe inbound offers.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		transport: cfg.Transport,
		media:     cfg.Media,
		ice:       cfg.ICEServers,
		history:   cfg.History,
		localID:   cfg.LocalID,
		logger:    cfg.Logger,
		calls:     make(map[string]*Call),
	}
}

// OnIncoming registers a handler fired for each inbound call offer.
func (m *Manager) OnIncoming(fn func(*Incoming)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall dials the remote participant of a match. The returned stream is
// the local preview; the call ends itself on media failure. Dialing while a
// call for the match is already live returns ErrCallInProgress.
func (m *Manager) StartCall(matchID, callType, remoteID string) (*Call, *media.LocalStream, error) {
	c := NewOutgoing(m.config(matchID, callType, remoteID))
	if !m.tryTrack(matchID, c) {
		return nil, nil, ErrCallInProgress
	}

	stream, err := c.Start()
	if err != nil {
		return nil, nil, err
	}
	m.logger.Info("call started", "match_id", matchID, "call_type", callType)
	return c, stream, nil
}

// Watch subscribes to a match channel and surfaces inbound offers addressed
// to the local participant. Cancel the returned subscription to stop
// watching.
func (m *Manager) Watch(matchID string) (signaling.Subscription, error) {
	channel := signaling.ChannelName(matchID)
	return m.transport.Subscribe(channel, signaling.EventOffer, func(env signaling.Envelope) {
		var offer signaling.OfferPayload
		if err := json.Unmarshal(env.Payload, &offer); err != nil {
			m.logger.Debug("discarding bad offer payload", "error", err, "bytes", len(env.Payload))
			return
		}
		if offer.To != "" && offer.To != m.localID {
			return
		}

		c := NewIncoming(m.config(matchID, offer.Type, offer.From), offer)
		if !m.tryTrack(matchID, c) {
			// One live attempt per match; a duplicate offer is dropped.
			c.discard()
			return
		}
		m.logger.Info("incoming call", "match_id", matchID, "call_type", offer.Type, "from", offer.From)

		m.incomingMu.RLock()
		handlers := make([]func(*Incoming), len(m.incoming))
		copy(handlers, m.incoming)
		m.incomingMu.RUnlock()
		for _, fn := range handlers {
			fn(&Incoming{MatchID: matchID, CallType: offer.Type, From: offer.From, Call: c})
		}
	})
}

// Get returns the live call for a match, if any.
func (m *Manager) Get(matchID string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[matchID]
	return c, ok
}

// Close hangs up every live call.
func (m *Manager) Close() {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.calls = make(map[string]*Call)
	m.mu.Unlock()

	for _, c := range calls {
		c.End()
	}
}

func (m *Manager) config(matchID, callType, remoteID string) Config {
	return Config{
		MatchID:    matchID,
		CallType:   callType,
		LocalID:    m.localID,
		RemoteID:   remoteID,
		Transport:  m.transport,
		Media:      m.media,
		ICEServers: m.ice,
		History:    m.history,
		Logger:     m.logger,
	}
}

// tryTrack claims the match for a call attempt. Returns false when another
// attempt is already live.
func (m *Manager) tryTrack(matchID string, c *Call) bool {
	m.mu.Lock()
	if _, busy := m.calls[matchID]; busy {
		m.mu.Unlock()
		return false
	}
	m.calls[matchID] = c
	m.mu.Unlock()

	c.OnCallEnd(func(Outcome) {
		m.mu.Lock()
		if m.calls[matchID] == c {
			delete(m.calls, matchID)
		}
		m.mu.Unlock()
	})
	return true
}
