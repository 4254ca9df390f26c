// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-link/internal/config"
	"device-link/internal/model"
	"device-link/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	link      LinkController
	config    *config.Config
	logger    *utils.ServiceLogger
	startTime time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(link LinkController, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		link:      link,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startTime: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// HealthCheck reports overall service health. Only the terminal Failed
// state makes the service unhealthy; a device that is merely unplugged is
// still being supervised.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	status := h.link.Status()
	link := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"state":       status.State,
			"identity":    status.Identity,
			"endpoint":    status.Endpoint,
			"initialized": status.Initialized,
		},
	}
	switch {
	case status.State.IsTerminal():
		health.Status = "unhealthy"
		link.Status = "unhealthy"
		link.Message = status.Stats.LastError
	case status.State != model.StateReady:
		link.Status = "degraded"
		link.Message = "device not ready"
	}
	health.Checks["link"] = link

	statusCode := http.StatusOK
	if health.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Health check failed", zap.String("state", status.State.String()))
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck succeeds only while the device is ready for writes
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	state := h.link.State()
	if state != model.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"state":  state,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"state":  state,
	})
}

// LivenessCheck reports that the process is serving requests
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}
