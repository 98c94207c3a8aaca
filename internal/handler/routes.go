package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dynamic-proxy-go/internal/config"
	"dynamic-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// operational endpoints take precedence over proxied paths of the same name.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	// Any covers the standard methods only; extension methods (MKCOL, PURGE,
	// ...) land in the route-not-found slot of the same node instead of a 405.
	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}
