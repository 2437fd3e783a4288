package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waterstats/internal/usage/liveevents"
)

const liveEventsHeartbeat = 15 * time.Second

// StreamMeterPassEvents streams finished passes for one meter as
// server-sent events, starting with the recent backlog.
func (s *Server) StreamMeterPassEvents(c *gin.Context) {
	if s.liveEvents == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	meter, err := s.findMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	meterID := meter.ConnectionID

	subscription, backlog, err := s.liveEvents.Subscribe(meterID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, event := range backlog {
		if err := writePassEvent(writer, meterID, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(liveEventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			if err := writePassEvent(writer, meterID, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePassEvent(w io.Writer, meterID string, event liveevents.PassEvent) error {
	payload := event
	if strings.TrimSpace(payload.MeterID) == "" {
		payload.MeterID = meterID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: pass\ndata: %s\n\n", data)
	return err
}
