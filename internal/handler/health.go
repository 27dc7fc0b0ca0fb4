package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"llamastack-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// timestampLayout renders UTC instants with millisecond precision and a Z suffix.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, now: time.Now}
}

// Health reports liveness without contacting upstream.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(timestampLayout),
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"api_prefix":   h.cfg.Server.APIPrefix,
	})
}
