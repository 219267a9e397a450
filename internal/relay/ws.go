package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pawpal-app/pawcall/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second

	maxEnvelopeBytes = 512 * 1024
	sendBuffer       = 32
)

// HandleWebSocket upgrades an authorized connection and relays envelopes
// within the token's channel. The token is the only admission check; the
// relay never validates envelope payloads.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}

	channel, participant, err := h.tokens.Verify(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return
	}

	cl := &client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		channel:     channel,
		participant: participant,
	}
	h.hub.add(cl)
	h.logger.Info("participant connected", "channel", channel, "participant", participant)

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Handlers) readPump(cl *client) {
	defer func() {
		h.hub.remove(cl.channel, cl.participant)
		_ = cl.conn.Close()
		h.logger.Info("participant disconnected", "channel", cl.channel, "participant", cl.participant)
	}()

	cl.conn.SetReadLimit(maxEnvelopeBytes)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "channel", cl.channel, "error", err)
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Debug("discarding malformed envelope", "channel", cl.channel, "bytes", len(raw))
			continue
		}

		// The token decides routing, not the sender.
		env.Channel = cl.channel
		env.From = cl.participant

		out, err := json.Marshal(env)
		if err != nil {
			continue
		}

		// Fire and forget: an absent or slow recipient drops the message.
		if env.To != "" {
			h.hub.sendTo(cl.channel, env.To, out)
		} else {
			h.hub.sendToOther(cl.channel, cl.participant, out)
		}
	}
}

func (h *Handlers) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
