package relay

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type recordHistoryRequest struct {
	MatchID         string `json:"match_id"`
	CallType        string `json:"call_type"`
	DurationSeconds int    `json:"duration_seconds"`
	IsIncoming      bool   `json:"is_incoming"`
}

// ListHistory returns finished calls for a match, newest first. The
// optional limit query caps the result.
func (h *Handlers) ListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}

	matchID := c.Param("match_id")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	records, err := h.history.ListByMatch(matchID, limit)
	if err != nil {
		h.logger.Error("listing call history failed", "match_id", matchID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

// RecordHistory persists one finished call reported by a client.
func (h *Handlers) RecordHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}

	var req recordHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.MatchID == "" || req.CallType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "match_id and call_type are required"})
		return
	}
	if req.DurationSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must not be negative"})
		return
	}

	if err := h.history.RecordCall(req.MatchID, req.CallType, req.DurationSeconds, req.IsIncoming); err != nil {
		h.logger.Error("recording call failed", "match_id", req.MatchID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recording failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
