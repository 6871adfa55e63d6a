package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/internal/replay"
	"github.com/teei-platform/semaphore/pkg/auth"
	"github.com/teei-platform/semaphore/pkg/logging"
)

// HandleStream serves the tenant event stream over SSE. A reconnecting
// client passes ?since=<lastEventId> (or the Last-Event-ID header the
// EventSource API sets) to resume; since=0 or absent means live tail only.
//
// The connection is registered before the replay read so no envelope can
// fall between the replayed batch and the live queue; the live loop skips
// ids already covered by replay.
func (h *SemaphoreHandlers) HandleStream(c *gin.Context) {
	tenantID := auth.TenantID(c)

	since, err := resumePoint(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_since",
			Message: "since must be a non-negative integer event id",
		})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "streaming_unsupported",
			Message: "Response writer does not support streaming",
		})
		return
	}

	conn := h.registry.Register(tenantID)
	defer h.registry.Unregister(conn.ID)

	if h.metrics != nil {
		h.metrics.ActiveStreams.WithLabelValues("sse").Inc()
		defer h.metrics.ActiveStreams.WithLabelValues("sse").Dec()
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	log := h.logger.WithFields(logging.Fields{
		"connection_id": conn.ID,
		"tenant_id":     tenantID,
		"since":         since,
	})

	lastSent := since
	replayed, err := h.replay.Since(tenantID, since)
	switch {
	case errors.Is(err, replay.ErrGap):
		// Resume point fell out of retention: tell the client to refetch
		// the snapshot, then continue with the live stream from here.
		if h.metrics != nil {
			h.metrics.ResumeRequests.WithLabelValues("gap").Inc()
		}
		log.Info("Resume point outside retention, signaling resync")
		if writeErr := writeEvent(c, envelope.Envelope{
			TenantID:   tenantID,
			Type:       envelope.TypeResyncRequired,
			ProducedAt: time.Now().UTC(),
		}); writeErr != nil {
			return
		}
		lastSent = 0
	case err != nil:
		log.WithError(err).Error("Replay read failed")
		return
	default:
		if h.metrics != nil && since > 0 {
			h.metrics.ResumeRequests.WithLabelValues("replayed").Inc()
		}
		for _, env := range replayed {
			if writeErr := writeEvent(c, env); writeErr != nil {
				return
			}
			lastSent = env.ID
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	events := make(chan envelope.Envelope)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			env, nextErr := conn.Next(ctx)
			if nextErr != nil {
				return
			}
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Stream client disconnected")
			return
		case <-closed:
			// Registry evicted the connection (idle sweep or backpressure).
			log.Info("Stream connection closed by registry")
			return
		case <-heartbeat.C:
			if err := writeEvent(c, envelope.Envelope{
				TenantID:   tenantID,
				Type:       envelope.TypeHeartbeat,
				ProducedAt: time.Now().UTC(),
			}); err != nil {
				return
			}
			conn.Touch()
			flusher.Flush()
		case env := <-events:
			// Replay overlap: the queue may hold envelopes the replay
			// batch already covered.
			if env.ID != 0 && env.ID <= lastSent {
				continue
			}
			if err := writeEvent(c, env); err != nil {
				return
			}
			lastSent = env.ID
			flusher.Flush()
		}
	}
}

// writeEvent encodes one envelope as an SSE event. The event id carries the
// envelope id so EventSource reconnects resume automatically; heartbeats
// and control signals carry no id.
func writeEvent(c *gin.Context, env envelope.Envelope) error {
	ev := sse.Event{
		Event: string(env.Type),
		Data:  env,
	}
	if env.ID > 0 {
		ev.Id = strconv.FormatUint(env.ID, 10)
	}
	return sse.Encode(c.Writer, ev)
}

// resumePoint reads the resume id from ?since=, falling back to the
// Last-Event-ID header set by the browser EventSource API.
func resumePoint(c *gin.Context) (uint64, error) {
	raw := c.Query("since")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
