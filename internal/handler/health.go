package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"storefront-gateway/internal/client"
	"storefront-gateway/internal/config"
	"storefront-gateway/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	routes  *route.Table
	client  *client.BackendClient
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, routes *route.Table, c *client.BackendClient, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, routes: routes, client: c, version: v}
}

// Health reports that the gateway process is up. It never consults backends.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "API Gateway is running",
	})
}

type backendStatus struct {
	URL     string `json:"url"`
	Circuit string `json:"circuit"`
}

type routeStatus struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Backend string `json:"backend"`
	Typed   bool   `json:"typed"`
}

// Status returns gateway build and routing information.
func (h *HealthHandler) Status(c echo.Context) error {
	backends := make(map[string]backendStatus)
	for name, u := range h.cfg.Services.All() {
		st := backendStatus{URL: u, Circuit: "disabled"}
		if h.client != nil {
			st.Circuit = h.client.BreakerState(name)
		}
		backends[name] = st
	}

	var routes []routeStatus
	if h.routes != nil {
		for _, r := range h.routes.Rules() {
			routes = append(routes, routeStatus{
				Name:    r.Name,
				Pattern: r.Pattern,
				Backend: r.Backend,
				Typed:   r.Schema != nil,
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  string(h.version),
		"backends": backends,
		"routes":   routes,
	})
}
