package relay

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pawpal-app/pawcall/internal/history"
	"github.com/pawpal-app/pawcall/internal/turnserver"
)

// Handlers binds the relay endpoints: channel minting, the signaling
// websocket, TURN config handout and call history.
type Handlers struct {
	hub     *Hub
	tokens  *TokenIssuer
	turn    *turnserver.Server
	history *history.Store
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// HandlersConfig wires the relay. History and Turn may be nil; their
// endpoints respond 503 when absent.
type HandlersConfig struct {
	Hub         *Hub
	TokenSecret []byte
	Turn        *turnserver.Server
	History     *history.Store
	Logger      *slog.Logger
}

func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handlers{
		hub:     cfg.Hub,
		tokens:  NewTokenIssuer(cfg.TokenSecret),
		turn:    cfg.Turn,
		history: cfg.History,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the relay routes on a router group.
func (h *Handlers) Register(api *gin.RouterGroup) {
	api.POST("/channels", h.CreateChannel)
	api.GET("/ws", h.HandleWebSocket)
	api.GET("/turn-config", h.TurnConfig)
	api.GET("/history/:match_id", h.ListHistory)
	api.POST("/history", h.RecordHistory)
}

// TurnConfig hands out the ICE server list clients should dial with.
func (h *Handlers) TurnConfig(c *gin.Context) {
	if h.turn == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "turn relay not running"})
		return
	}
	host := c.Query("host")
	if host == "" {
		host = requestHost(c.Request)
	}
	c.JSON(http.StatusOK, gin.H{"ice_servers": h.turn.ICEServers(host)})
}

func requestHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return host
	}
	return r.Host
}
