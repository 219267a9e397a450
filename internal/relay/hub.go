// Package relay is the signaling message bus server. It forwards opaque
// envelopes between the two participants of a call channel over
// websockets; it never inspects SDP or candidate bodies.
package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

type client struct {
	conn        *websocket.Conn
	send        chan []byte
	channel     string
	participant string
	closeOnce   sync.Once
}

func (c *client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub tracks the connected participants of each call channel.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[string]*client // channel → participant → client
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.channels[c.channel]
	if !ok {
		peers = make(map[string]*client)
		h.channels[c.channel] = peers
	}

	// Replace an existing connection for the same participant.
	if old := peers[c.participant]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}

	peers[c.participant] = c
}

func (h *Hub) remove(channel, participant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.channels[channel]
	if !ok {
		return
	}

	if c, exists := peers[participant]; exists {
		c.closeSend()
	}
	delete(peers, participant)
	if len(peers) == 0 {
		delete(h.channels, channel)
	}
}

func (h *Hub) sendTo(channel, participant string, payload []byte) bool {
	h.mu.Lock()
	var target *client
	if peers, ok := h.channels[channel]; ok {
		target = peers[participant]
	}
	h.mu.Unlock()

	if target == nil {
		return false
	}

	if !target.trySend(payload) {
		_ = target.conn.Close()
		return false
	}
	return true
}

// sendToOther forwards a payload to the other participant of a two-party
// channel.
func (h *Hub) sendToOther(channel, fromParticipant string, payload []byte) bool {
	h.mu.Lock()
	var other *client
	if peers, ok := h.channels[channel]; ok {
		for participant, c := range peers {
			if participant == fromParticipant {
				continue
			}
			other = c
			break
		}
	}
	h.mu.Unlock()

	if other == nil {
		return false
	}

	if !other.trySend(payload) {
		_ = other.conn.Close()
		return false
	}
	return true
}

// CloseChannel disconnects every participant of a channel.
func (h *Hub) CloseChannel(channel string) {
	h.mu.Lock()
	peers, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.channels, channel)
	h.mu.Unlock()

	for _, c := range peers {
		_ = c.conn.Close()
		c.closeSend()
	}
}

// Online reports whether a participant currently has a connection on the
// channel.
func (h *Hub) Online(channel, participant string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.channels[channel]
	if !ok {
		return false
	}
	_, ok = peers[participant]
	return ok
}
