package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teei-platform/semaphore/internal/bus"
	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/internal/metrics"
	"github.com/teei-platform/semaphore/internal/registry"
	"github.com/teei-platform/semaphore/internal/replay"
	"github.com/teei-platform/semaphore/internal/snapshot"
	"github.com/teei-platform/semaphore/pkg/auth"
	"github.com/teei-platform/semaphore/pkg/logging"
)

// SemaphoreHandlers contains the HTTP handlers for the service
type SemaphoreHandlers struct {
	registry *registry.Registry
	replay   *replay.Cache
	store    snapshot.Store
	adapter  *bus.Adapter
	logger   logging.Logger
	metrics  *metrics.Metrics

	heartbeatInterval time.Duration
	startTime         time.Time
}

// NewSemaphoreHandlers creates a new handlers instance
func NewSemaphoreHandlers(reg *registry.Registry, rc *replay.Cache, store snapshot.Store, adapter *bus.Adapter, logger logging.Logger, m *metrics.Metrics) *SemaphoreHandlers {
	return &SemaphoreHandlers{
		registry:          reg,
		replay:            rc,
		store:             store,
		adapter:           adapter,
		logger:            logger,
		metrics:           m,
		heartbeatInterval: 30 * time.Second,
		startTime:         time.Now(),
	}
}

// HandleLatestSnapshot serves the most recent coherent KPI snapshot for the
// authenticated tenant. Clients on cold start or resync fetch this before
// opening a stream.
func (h *SemaphoreHandlers) HandleLatestSnapshot(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if tenantID != auth.TenantID(c) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "forbidden",
			Message: "Token is not scoped to this tenant",
		})
		return
	}

	snap, err := h.store.Latest(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "no_snapshot",
				Message: "No snapshot available for tenant yet",
			})
			return
		}
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Snapshot lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Snapshot lookup failed",
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// HandleStats reports connection registry and replay cache statistics.
func (h *SemaphoreHandlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Service:     "semaphore",
		Uptime:      time.Since(h.startTime).String(),
		Connections: h.registry.ConnectionCount(),
		Tenants:     h.registry.Stats(),
	})
}

// HandlePublish accepts an envelope from a trusted service and feeds it
// through the same sequencing path as bus traffic. Service-token guarded.
func (h *SemaphoreHandlers) HandlePublish(c *gin.Context) {
	var env envelope.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_envelope",
			Message: err.Error(),
		})
		return
	}

	if err := h.adapter.Inject(c.Request.Context(), env); err != nil {
		switch {
		case errors.Is(err, envelope.ErrMissingTenant), errors.Is(err, envelope.ErrUnknownType):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_envelope",
				Message: err.Error(),
			})
		case errors.Is(err, bus.ErrReordered):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "reordered",
				Message: "Envelope id precedes the tenant's sequence",
			})
		default:
			h.logger.WithError(err).Error("Publish failed")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "internal_error",
				Message: "Publish failed",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// HandleNotFound provides a custom 404 handler
func (h *SemaphoreHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: "Endpoint not found",
	})
}

// ErrorResponse is the JSON error body for all non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatsResponse summarizes live connection state.
type StatsResponse struct {
	Service     string                          `json:"service"`
	Uptime      string                          `json:"uptime"`
	Connections int                             `json:"connections"`
	Tenants     map[string]registry.TenantStats `json:"tenants"`
}
