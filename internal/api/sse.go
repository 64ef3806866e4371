package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jcheng510/ai-erp-system-sub003/internal/streaming"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// heartbeatInterval keeps idle streams alive through proxies.
var heartbeatInterval = 15 * time.Second

// handleEventStream streams processed domain events as Server-Sent Events.
// Query: source_entity and source_id narrow to one entity, types is a
// comma-separated list, min_severity drops quieter events.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.deps.Hub == nil {
		s.respondError(c, schema.NewError(schema.ErrCodeExecution, "event streaming is not enabled"))
		return
	}

	filter := streaming.EventFilter{
		SourceEntity: c.Query("source_entity"),
		SourceID:     c.Query("source_id"),
		MinSeverity:  schema.Severity(c.Query("min_severity")),
	}
	if types := c.Query("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	switch filter.MinSeverity {
	case "", schema.SeverityLow, schema.SeverityMedium, schema.SeverityHigh, schema.SeverityCritical:
	default:
		s.respondError(c, schema.NewErrorf(schema.ErrCodeValidation, "unknown min_severity %q", filter.MinSeverity))
		return
	}

	ctx := c.Request.Context()
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		s.logger.ErrorContext(ctx, "event stream subscribe failed", slog.String("error", err.Error()))
		s.respondError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
		}
		c.Writer.Flush()
	}
}
