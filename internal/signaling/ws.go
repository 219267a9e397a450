package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// WSTransport is a Transport backed by one websocket connection to the
// relay. The relay stamps the sender identity and routes each envelope to
// the other participant of the channel, so subscriptions here only filter
// by channel and event type.
//
// Publish is fire-and-forget: envelopes are queued on the write pump and
// dropped with a log line when the pump is backed up or the connection is
// gone. There is no reconnect; a dropped connection ends the transport.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	send chan []byte

	mu   sync.RWMutex
	subs map[string]map[*wsSubscription]struct{} // channel+"\x00"+eventType

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the relay websocket endpoint. The URL carries the
// channel and access token as query parameters, e.g.
// wss://host/api/ws?channel=call:m1&token=...
func DialWS(ctx context.Context, url string, logger *slog.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &WSTransport{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, wsSendBuffer),
		subs:   make(map[string]map[*wsSubscription]struct{}),
		done:   make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t, nil
}

// Close tears the connection down. Idempotent.
func (t *WSTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

// Done is closed when the transport has shut down, voluntarily or because
// the connection dropped.
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WSTransport) Publish(channel, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("signaling: marshal %s payload: %w", eventType, err)
		}
		raw = data
	}

	msg, err := json.Marshal(Envelope{Channel: channel, Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("signaling: marshal envelope: %w", err)
	}

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		t.logger.Debug("signaling publish after close", "channel", channel, "type", eventType)
		return nil
	default:
		// Best-effort delivery: a backed-up pump drops the message.
		t.logger.Debug("signaling send buffer full, dropping", "channel", channel, "type", eventType)
		return nil
	}
}

func (t *WSTransport) Subscribe(channel, eventType string, h Handler) (Subscription, error) {
	sub := &wsSubscription{
		transport: t,
		key:       channel + "\x00" + eventType,
		handler:   h,
	}

	t.mu.Lock()
	set, ok := t.subs[sub.key]
	if !ok {
		set = make(map[*wsSubscription]struct{})
		t.subs[sub.key] = set
	}
	set[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

func (t *WSTransport) readPump() {
	defer t.Close()

	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			t.logger.Debug("signaling read error", "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.logger.Debug("signaling bad envelope", "error", err, "bytes", len(payload))
			continue
		}

		// Never log SDP/candidate bodies, they may contain addresses.
		t.logger.Debug("signaling recv", "channel", env.Channel, "type", env.Type, "from", env.From, "payload_bytes", len(env.Payload))

		key := env.Channel + "\x00" + env.Type
		t.mu.RLock()
		for sub := range t.subs[key] {
			sub.handler(env)
		}
		t.mu.RUnlock()
	}
}

func (t *WSTransport) writePump() {
	defer func() { _ = t.conn.Close() }()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

type wsSubscription struct {
	transport *WSTransport
	key       string
	handler   Handler
	cancel    sync.Once
}

func (s *wsSubscription) Cancel() {
	s.cancel.Do(func() {
		s.transport.mu.Lock()
		if set, ok := s.transport.subs[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.transport.subs, s.key)
			}
		}
		s.transport.mu.Unlock()
	})
}
