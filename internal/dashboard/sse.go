package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypost/internal/alert"
)

// handleSSE streams alerts as they are raised. Recent alerts are replayed
// first so a page opened late still shows them.
func handleSSE(alerts *alert.Broadcaster, heartbeatEvery time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		var stream <-chan alert.Alert
		if alerts != nil {
			// Subscribe before replaying so nothing raised in between is lost.
			ch, cancel := alerts.Subscribe(32)
			defer cancel()
			stream = ch
			for _, a := range alerts.Recent() {
				writeSSE(c.Writer, "alert", a)
			}
			c.Writer.Flush()
		}

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case a, ok := <-stream:
				if !ok {
					return
				}
				writeSSE(c.Writer, "alert", a)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
