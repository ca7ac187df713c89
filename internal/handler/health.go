// Package handler provides the operator-facing admin HTTP endpoints:
// liveness, status, and Prometheus metrics. The tunnel itself never
// passes through this listener.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cloak-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Nothing here identifies any
// upstream: the proxy learns upstream URLs only from sealed payloads.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"tunnel_addr":     h.cfg.Server.Addr(),
		"max_frame_bytes": h.cfg.Server.MaxFrameBytes,
		"max_conns":       h.cfg.Server.MaxConns,
	})
}
