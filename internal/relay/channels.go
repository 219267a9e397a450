package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/pawpal-app/pawcall/internal/signaling"
)

type createChannelRequest struct {
	MatchID string `json:"match_id"`
	Caller  string `json:"caller"`
	Callee  string `json:"callee"`
}

type createChannelResponse struct {
	Channel string            `json:"channel"`
	MatchID string            `json:"match_id"`
	Tokens  map[string]string `json:"tokens"`
}

// CreateChannel mints the signaling channel for a match and one access
// token per participant. Missing participant ids are generated.
func (h *Handlers) CreateChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.MatchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "match_id is required"})
		return
	}

	caller, err := participantID(req.Caller)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id generation failed"})
		return
	}
	callee, err := participantID(req.Callee)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id generation failed"})
		return
	}

	channel := signaling.ChannelName(req.MatchID)
	tokens := make(map[string]string, 2)
	for _, participant := range []string{caller, callee} {
		token, err := h.tokens.Mint(channel, participant)
		if err != nil {
			h.logger.Error("minting channel token failed", "channel", channel, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token minting failed"})
			return
		}
		tokens[participant] = token
	}

	h.logger.Info("channel created", "channel", channel, "caller", caller, "callee", callee)
	c.JSON(http.StatusOK, createChannelResponse{
		Channel: channel,
		MatchID: req.MatchID,
		Tokens:  tokens,
	})
}

func participantID(given string) (string, error) {
	if given != "" {
		return given, nil
	}
	return gonanoid.New(16)
}
