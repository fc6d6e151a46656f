package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmdft/ESAproxy/internal/config"
	"github.com/nmdft/ESAproxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Non-/proxy paths other than the operational endpoints below are not
// handled here; static-asset serving belongs to an external collaborator.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.Any("/proxy", proxy.Handle)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}
}
