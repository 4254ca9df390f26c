// internal/handler/link_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-link/internal/discovery"
	"device-link/internal/model"
	"device-link/internal/protocol"
	"device-link/internal/supervisor"
	"device-link/internal/utils"
)

// maxWriteBody bounds the raw payload accepted by the write endpoint
const maxWriteBody = 64 << 10

// LinkController is the part of the supervisor exposed over HTTP
type LinkController interface {
	Initialize(ctx context.Context) (bool, error)
	WaitForReady(ctx context.Context, timeout time.Duration) error
	Write(ctx context.Context, data []byte) error
	IsInitialized() bool
	State() model.ConnectionState
	Status() model.LinkStatus
}

// PortScanner lists the ports discovery can currently see
type PortScanner interface {
	ScanAll(ctx context.Context) ([]*discovery.DiscoveredPort, error)
}

// LinkHandler handles supervised connection requests
type LinkHandler struct {
	link         LinkController
	scanner      PortScanner
	readyTimeout time.Duration
	logger       *utils.ServiceLogger
}

// NewLinkHandler creates a new link handler. readyTimeout is used by
// wait-ready when the request does not carry one.
func NewLinkHandler(link LinkController, scanner PortScanner, readyTimeout time.Duration, logger *zap.Logger) *LinkHandler {
	return &LinkHandler{
		link:         link,
		scanner:      scanner,
		readyTimeout: readyTimeout,
		logger:       utils.NewServiceLogger(logger, "link-handler"),
	}
}

// RegisterRoutes registers link routes
func (h *LinkHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/link", h.GetStatus)
	router.POST("/link/initialize", h.Initialize)
	router.POST("/link/wait-ready", h.WaitForReady)
	router.POST("/link/write", h.Write)
	router.GET("/ports", h.ListPorts)
}

// GetStatus returns the connection snapshot
func (h *LinkHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Link status retrieved", h.link.Status())
}

// Initialize runs the fast-retry initialization loop
func (h *LinkHandler) Initialize(c *gin.Context) {
	ctx := c.Request.Context()
	if raw := c.Query("timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid timeout", err)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := h.link.Initialize(ctx)
	if err != nil || !ok {
		h.respondLinkError(c, "Failed to initialize link", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Link initialized", h.link.Status())
}

// WaitForReady blocks until the device answers or the timeout elapses
func (h *LinkHandler) WaitForReady(c *gin.Context) {
	timeout := h.readyTimeout
	if raw := c.Query("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid timeout", err)
			return
		}
		timeout = parsed
	}

	if err := h.link.WaitForReady(c.Request.Context(), timeout); err != nil {
		h.respondLinkError(c, "Device did not become ready", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device ready", h.link.Status())
}

// Write passes the raw request body to the guarded writer
func (h *LinkHandler) Write(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWriteBody)
	data, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "Payload too large", err)
			return
		}
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(data) == 0 {
		utils.ValidationErrorResponse(c, map[string]string{"body": "payload is required"})
		return
	}

	if err := h.link.Write(c.Request.Context(), data); err != nil {
		h.respondLinkError(c, "Write failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Payload written", gin.H{
		"bytes_written": len(data),
		"state":         h.link.State(),
	})
}

// ListPorts scans every registered discovery source
func (h *LinkHandler) ListPorts(c *gin.Context) {
	ports, err := h.scanner.ScanAll(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to scan ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Port scan completed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

func (h *LinkHandler) respondLinkError(c *gin.Context, message string, err error) {
	status := linkErrorStatus(err)
	h.logger.Warn(message,
		zap.Error(err),
		zap.Int("status_code", status),
		zap.String("state", h.link.State().String()),
	)
	utils.ErrorResponse(c, status, message, err)
}

// linkErrorStatus maps supervisor and transport errors to HTTP statuses.
// Order matters: terminal and not-connected errors may wrap a timeout.
func linkErrorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrDeviceNotReady):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrNotConnected),
		errors.Is(err, protocol.ErrNotOpen),
		errors.Is(err, protocol.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
