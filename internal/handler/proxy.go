package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"storefront-gateway/internal/model"
	"storefront-gateway/internal/route"
	"storefront-gateway/internal/service"
	"storefront-gateway/internal/upload"
)

// BackendContextKey is the echo.Context key holding the resolved backend name.
const BackendContextKey = "backend"

// ProxyHandler resolves inbound requests to a backend and relays the response.
type ProxyHandler struct {
	routes  *route.Table
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(routes *route.Table, svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		routes:  routes,
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request to the owning backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	m, ok := h.routes.ResolveURL(req.Method, req.URL)
	if !ok {
		h.logger.Info("route not found",
			"method", req.Method,
			"path", req.URL.Path,
		)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "Route not found",
		})
	}

	c.Set(BackendContextKey, m.Backend)

	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" && req.Header.Get(echo.HeaderXRequestID) == "" {
		req.Header.Set(echo.HeaderXRequestID, id)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Raw:           req,
		Backend:       m.Backend,
		BaseURL:       m.BaseURL,
		TargetPath:    m.Path,
		Schema:        m.Rule.Schema,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Copy filtered response headers
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
			"backend", m.Backend,
		)
	}
	return nil
}

// mapError turns a forwarding failure into a gateway response. Backend
// responses never reach here: any status a backend returns is relayed.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var parseErr *upload.ParseError
	if errors.As(err, &parseErr) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "File upload error",
			"message": parseErr.Err.Error(),
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var backendErr *service.BackendError
	if errors.Is(err, service.ErrBackendUnavailable) && errors.As(err, &backendErr) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error":   "Service Unavailable",
			"message": "Could not connect to " + backendErr.Backend + " service. Please ensure the service is running.",
			"service": backendErr.Backend,
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error":   "Gateway Timeout",
			"message": "backend did not respond in time",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Gateway Error",
		"message": err.Error(),
	})
}
