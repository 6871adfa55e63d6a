package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/internal/registry"
	"github.com/teei-platform/semaphore/internal/replay"
	"github.com/teei-platform/semaphore/pkg/auth"
	"github.com/teei-platform/semaphore/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket serves the tenant event stream over WebSocket for clients
// that cannot use SSE. Resume semantics match HandleStream: ?since= selects
// the replay point and a retention gap produces a resync_required message.
func (h *SemaphoreHandlers) HandleWebSocket(c *gin.Context) {
	tenantID := auth.TenantID(c)

	since, err := resumePoint(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_since",
			Message: "since must be a non-negative integer event id",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	conn := h.registry.Register(tenantID)

	if h.metrics != nil {
		h.metrics.ActiveStreams.WithLabelValues("websocket").Inc()
	}

	log := h.logger.WithFields(logging.Fields{
		"connection_id": conn.ID,
		"tenant_id":     tenantID,
		"since":         since,
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	go h.wsReadPump(ws, conn, cancel, log)
	h.wsWritePump(ctx, ws, conn, tenantID, since, log)

	cancel()
	h.registry.Unregister(conn.ID)
	ws.Close()
	if h.metrics != nil {
		h.metrics.ActiveStreams.WithLabelValues("websocket").Dec()
	}
}

// wsReadPump drains the peer for pong frames and close detection. Inbound
// payloads carry no meaning on this endpoint and are discarded.
func (h *SemaphoreHandlers) wsReadPump(ws *websocket.Conn, conn *registry.Connection, cancel context.CancelFunc, log logging.Entry) {
	defer cancel()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.Touch()
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Error("WebSocket connection error")
			}
			return
		}
	}
}

func (h *SemaphoreHandlers) wsWritePump(ctx context.Context, ws *websocket.Conn, conn *registry.Connection, tenantID string, since uint64, log logging.Entry) {
	lastSent := since
	replayed, err := h.replay.Since(tenantID, since)
	switch {
	case errors.Is(err, replay.ErrGap):
		if h.metrics != nil {
			h.metrics.ResumeRequests.WithLabelValues("gap").Inc()
		}
		log.Info("Resume point outside retention, signaling resync")
		if wsWrite(ws, envelope.Envelope{
			TenantID:   tenantID,
			Type:       envelope.TypeResyncRequired,
			ProducedAt: time.Now().UTC(),
		}) != nil {
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
			if wsWrite(ws, env) != nil {
				return
			}
			lastSent = env.ID
		}
	}

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

	ping := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer ping.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			log.Info("Stream connection closed by registry")
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection evicted"))
			return
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-heartbeat.C:
			if wsWrite(ws, envelope.Envelope{
				TenantID:   tenantID,
				Type:       envelope.TypeHeartbeat,
				ProducedAt: time.Now().UTC(),
			}) != nil {
				return
			}
			conn.Touch()
		case env := <-events:
			if env.ID != 0 && env.ID <= lastSent {
				continue
			}
			if wsWrite(ws, env) != nil {
				return
			}
			lastSent = env.ID
		}
	}
}

func wsWrite(ws *websocket.Conn, env envelope.Envelope) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(env)
}
