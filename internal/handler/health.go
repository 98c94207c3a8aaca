// Package handler provides the HTTP handlers of the proxy.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"dynamic-proxy-go/internal/config"
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

type statusResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	Mode          string   `json:"mode"`
	TargetURL     string   `json:"target_url,omitempty"`
	ControlParam  string   `json:"control_param"`
	CORSBuffering bool     `json:"cors_buffering"`
	AllowedHosts  []string `json:"allowed_hosts,omitempty"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		Mode:          h.cfg.Proxy.Mode,
		ControlParam:  h.cfg.Proxy.ControlParam,
		CORSBuffering: h.cfg.CORS.Enabled,
		AllowedHosts:  h.cfg.Target.AllowedHosts,
	}
	if h.cfg.Static() {
		resp.TargetURL = h.cfg.Target.URL
	}
	return c.JSON(http.StatusOK, resp)
}
