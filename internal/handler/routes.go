package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// that is not a gateway endpoint goes through the route table.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/health", health.Health)
	e.GET("/gateway/status", health.Status)

	e.Any("/*", proxy.Handle)
}
