package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llamastack-proxy/internal/config"
	"llamastack-proxy/internal/metrics"
)

// proxiedMethods are the verbs relayed under {prefix}/v1.
var proxiedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	api := e.Group(cfg.Server.APIPrefix)
	api.GET("/health", health.Health)
	for _, method := range proxiedMethods {
		api.Add(method, "/v1/*", proxy.Handle)
	}

	if cfg.MetricsEnabled() && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Static.Enabled {
		e.Use(staticFiles(cfg))
	}
}

// staticFiles serves the built frontend and falls back to index.html for
// client-side routes. API, health and metrics paths are never shadowed.
func staticFiles(cfg *config.Config) echo.MiddlewareFunc {
	reserved := cfg.ReservedPaths()
	if cfg.MetricsEnabled() {
		reserved = append(reserved, cfg.Metrics.Path)
	}

	return echomw.StaticWithConfig(echomw.StaticConfig{
		Root:       ".",
		Filesystem: http.Dir(cfg.Static.Dir),
		Index:      "index.html",
		HTML5:      true,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			for _, p := range reserved {
				if path == p || strings.HasPrefix(path, p+"/") {
					return true
				}
			}
			return false
		},
	})
}
