package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Bus is an in-process Transport shared by both participants of a call.
// Each participant obtains its own Client so outbound envelopes carry the
// sender identity and subscribers never see their own messages echoed back
// (an echoed SDP offer would corrupt the peer connection on the sender's
// side).
//
// Delivery is asynchronous through a small per-subscription buffer; when a
// subscriber falls behind, messages are dropped. That matches the
// at-most-once contract of the transport.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*busSubscription]struct{} // channel+"\x00"+eventType
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busSubscription]struct{})}
}

// Client returns a Transport bound to the given participant identity.
func (b *Bus) Client(participantID string) *BusClient {
	return &BusClient{bus: b, self: participantID}
}

const busSubBuffer = 64

type busSubscription struct {
	bus     *Bus
	key     string
	self    string
	ch      chan Envelope
	cancel  sync.Once
	handler Handler
}

func (s *busSubscription) Cancel() {
	s.cancel.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.key)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *busSubscription) run() {
	for env := range s.ch {
		s.handler(env)
	}
}

// BusClient is one participant's view of a Bus.
type BusClient struct {
	bus  *Bus
	self string
}

func (c *BusClient) Publish(channel, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("signaling: marshal %s payload: %w", eventType, err)
		}
		raw = data
	}

	env := Envelope{
		Channel: channel,
		Type:    eventType,
		From:    c.self,
		Payload: raw,
	}

	key := channel + "\x00" + eventType
	c.bus.mu.RLock()
	for sub := range c.bus.subs[key] {
		if sub.self == c.self {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Subscriber is not draining; at-most-once means we drop.
		}
	}
	c.bus.mu.RUnlock()
	return nil
}

func (c *BusClient) Subscribe(channel, eventType string, h Handler) (Subscription, error) {
	sub := &busSubscription{
		bus:     c.bus,
		key:     channel + "\x00" + eventType,
		self:    c.self,
		ch:      make(chan Envelope, busSubBuffer),
		handler: h,
	}

	c.bus.mu.Lock()
	set, ok := c.bus.subs[sub.key]
	if !ok {
		set = make(map[*busSubscription]struct{})
		c.bus.subs[sub.key] = set
	}
	set[sub] = struct{}{}
	c.bus.mu.Unlock()

	go sub.run()
	return sub, nil
}
