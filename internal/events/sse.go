package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamHandler returns a gin.HandlerFunc implementing spec.md §6's
// GET /events/stream: each HTTP subscriber maps 1:1 to a Subscription;
// heartbeats sent every heartbeatInterval; on reconnect the client's
// Last-Event-ID header is honored via Bus.Subscribe's replay.
func StreamHandler(bus *Bus, heartbeatInterval time.Duration) func(c *gin.Context) {
	return func(c *gin.Context) {
		jobID := c.Query("job_id")

		var sinceID int64
		if last := c.GetHeader("Last-Event-ID"); last != "" {
			if id, err := strconv.ParseInt(last, 10, 64); err == nil {
				sinceID = id
			}
		}

		sub := bus.Subscribe(jobID, sinceID)
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		flusher, ok := c.Writer.(interface{ Flush() })
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Notify():
				for _, e := range sub.Drain() {
					writeSSE(c, e)
				}
				if ok {
					flusher.Flush()
				}
			case <-ticker.C:
				fmt.Fprint(c.Writer, ": heartbeat\n\n")
				if ok {
					flusher.Flush()
				}
			}
		}
	}
}

// writeSSE frames one event per spec.md §6's exact format:
// "id: <event_id>\nevent: <type>\ndata: <json>\n\n".
func writeSSE(c *gin.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}

// HistoryHandler implements spec.md §6's GET /events/history.
func HistoryHandler(bus *Bus) func(c *gin.Context) {
	return func(c *gin.Context) {
		jobID := c.Query("job_id")
		limit := 100
		if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
			limit = l
		}
		c.JSON(200, gin.H{"events": bus.History(jobID, 0, limit)})
	}
}
