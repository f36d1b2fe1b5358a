package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	"github.com/gin-gonic/gin"
)

type top8ChangePayload struct {
	OwnerFID  int64             `json:"owner_fid"`
	Entries   []top8.EntryInput `json:"entries"`
	Timestamp int64             `json:"timestamp"`
	Source    string            `json:"source"`
}

type heartbeatPayload struct {
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// handleTop8Stream emits server-sent events whenever the owner's ranking is saved.
func (h *httpHandler) handleTop8Stream(c *gin.Context) {
	ownerFID, err := strconv.ParseInt(c.Param("fid"), 10, 64)
	if err != nil || ownerFID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, ownerFID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, top8ChangePayload{
				OwnerFID:  message.OwnerFID,
				Entries:   message.Entries,
				Timestamp: message.Timestamp.Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Timestamp: tick.UTC().Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}
