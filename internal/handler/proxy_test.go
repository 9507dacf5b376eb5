package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-gateway/internal/client"
	"storefront-gateway/internal/config"
	"storefront-gateway/internal/route"
	"storefront-gateway/internal/service"
	"storefront-gateway/internal/upload"
)

type gateway struct {
	echo   *echo.Echo
	proxy  *ProxyHandler
	health *HealthHandler
	cfg    *config.Config
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway wires every backend service to backendURL.
func newTestGateway(t *testing.T, backendURL string) *gateway {
	t.Helper()
	cfg := &config.Config{
		Services: config.ServicesConfig{
			Auth: backendURL, Product: backendURL, Cart: backendURL,
			Order: backendURL, Review: backendURL,
		},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 4},
		Upload:   config.UploadConfig{Dir: t.TempDir(), MaxFieldBytes: 1 << 20},
	}
	logger := discardLogger()

	routes, err := route.FromConfig(cfg)
	require.NoError(t, err)
	st, err := upload.NewStager(cfg, logger, nil)
	require.NoError(t, err)
	bc := client.NewBackendClient(cfg, logger, nil)

	g := &gateway{
		echo:   echo.New(),
		proxy:  NewProxyHandler(routes, service.NewProxyService(bc, st, logger), logger),
		health: NewHealthHandler(cfg, routes, bc, "test"),
		cfg:    cfg,
	}
	RegisterRoutes(g.echo, g.proxy, g.health)
	return g
}

func (g *gateway) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.echo.ServeHTTP(rec, req)
	return rec
}

// deadURL returns the URL of a server that is no longer listening.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body %q", rec.Body.String())
	return body
}

func TestProxyHandler_RouteNotFound(t *testing.T) {
	g := newTestGateway(t, deadURL(t))

	rec := g.serve(httptest.NewRequest(http.MethodGet, "/api/does-not-exist", http.NoBody))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Route not found", decodeBody(t, rec)["error"])
}

func TestProxyHandler_RewritesPaths(t *testing.T) {
	seen := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RequestURI is the request target exactly as it arrived on the wire.
		seen <- r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	g := newTestGateway(t, backend.URL)

	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"auth alias", http.MethodPost, "/api/auth/login", "/api/v1/auth/login"},
		{"auth canonical", http.MethodPost, "/api/v1/auth/register", "/api/v1/auth/register"},
		{"products alias", http.MethodGet, "/api/products?page=2", "/api/v1/product?page=2"},
		{"product item", http.MethodDelete, "/api/v1/product/p1", "/api/v1/product/p1"},
		{"categories", http.MethodGet, "/api/v1/categories", "/api/v1/categories"},
		{"cart", http.MethodPut, "/api/v1/cart/items/3", "/api/v1/cart/items/3"},
		{"order", http.MethodPatch, "/api/v1/order/42", "/api/v1/order/42"},
		{"webhook", http.MethodPost, "/webhook", "/webhook"},
		{"review", http.MethodGet, "/api/v1/review/product/p1", "/api/v1/review/product/p1"},
		{"encoded question mark", http.MethodGet, "/api/v1/product/what%3Fx", "/api/v1/product/what%3Fx"},
		{"encoded slash", http.MethodGet, "/api/v1/product/a%2Fb", "/api/v1/product/a%2Fb"},
		{"encoded hash", http.MethodGet, "/api/v1/review/x%23y", "/api/v1/review/x%23y"},
		{"query order kept", http.MethodGet, "/api/v1/order?b=2&a=1", "/api/v1/order?b=2&a=1"},
		{"valueless query key", http.MethodGet, "/api/v1/order?flag", "/api/v1/order?flag"},
		{"alias with escapes and query", http.MethodGet, "/api/products/a%2Fb?b=2&a=1", "/api/v1/product/a%2Fb?b=2&a=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			req.Header.Set("Content-Type", "application/json")
			rec := g.serve(req)

			require.Equal(t, http.StatusOK, rec.Code, "body %q", rec.Body.String())
			assert.Equal(t, tt.want, <-seen)
		})
	}
}

func TestProxyHandler_RelaysBackendResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer T1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "internal=1")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"quantity must be positive"}`))
	}))
	defer backend.Close()
	g := newTestGateway(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart", strings.NewReader(`{"quantity":-1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer T1")
	rec := g.serve(req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, `{"error":"quantity must be positive"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
}

func TestProxyHandler_BackendUnavailable(t *testing.T) {
	g := newTestGateway(t, deadURL(t))

	rec := g.serve(httptest.NewRequest(http.MethodGet, "/api/v1/cart", http.NoBody))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Service Unavailable", body["error"])
	assert.Equal(t, config.ServiceCart, body["service"])
	assert.Contains(t, body["message"], "cart service")
}

func TestProxyHandler_UploadError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("backend must not be called for an unreadable upload")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	g := newTestGateway(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/product", strings.NewReader("garbage"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=nope")
	rec := g.serve(req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "File upload error", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestProxyHandler_TypedUpload(t *testing.T) {
	type received struct {
		contentType string
		data        string
		files       int
	}
	seen := make(chan received, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			seen <- received{}
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seen <- received{
			contentType: r.Header.Get("Content-Type"),
			data:        r.FormValue("data"),
			files:       len(r.MultipartForm.File["images"]),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()
	g := newTestGateway(t, backend.URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "Lamp"))
	require.NoError(t, mw.WriteField("price", "12.5"))
	fw, err := mw.CreateFormFile("images", "lamp.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/products", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := g.serve(req)

	require.Equal(t, http.StatusCreated, rec.Code, "body %q", rec.Body.String())
	got := <-seen
	assert.True(t, strings.HasPrefix(got.contentType, "multipart/form-data"), "Content-Type %q", got.contentType)

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.data), &data), "data field %q", got.data)
	assert.Equal(t, 12.5, data["price"])
	assert.Equal(t, "Lamp", data["name"])
	assert.Equal(t, 1, got.files)
}

func TestProxyHandler_SetsBackendAndRequestID(t *testing.T) {
	seen := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get(echo.HeaderXRequestID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()
	g := newTestGateway(t, backend.URL)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/order/42", http.NoBody)
	rec := httptest.NewRecorder()
	c := g.echo.NewContext(req, rec)
	c.Response().Header().Set(echo.HeaderXRequestID, "rid-123")

	require.NoError(t, g.proxy.Handle(c))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, config.ServiceOrder, c.Get(BackendContextKey))
	assert.Equal(t, "rid-123", <-seen)
}

func TestProxyHandler_CanceledContext(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()
	g := newTestGateway(t, backend.URL)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := g.echo.NewContext(req, rec)

	require.NoError(t, g.proxy.Handle(c))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "upload parse error",
			err:        &upload.ParseError{Err: errors.New("unexpected EOF")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "File upload error",
		},
		{
			name:       "client canceled",
			err:        fmt.Errorf("backend request: %w", context.Canceled),
			wantStatus: http.StatusBadGateway,
			wantError:  "client disconnected",
		},
		{
			name:       "backend unreachable",
			err:        &service.BackendError{Backend: "order", Unavailable: true, Err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "Service Unavailable",
		},
		{
			name:       "deadline exceeded",
			err:        &service.BackendError{Backend: "order", Err: context.DeadlineExceeded},
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "Gateway Timeout",
		},
		{
			name:       "net timeout",
			err:        fmt.Errorf("backend request: %w", timeoutError{}),
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "Gateway Timeout",
		},
		{
			name:       "anything else",
			err:        errors.New("build backend request: bad method"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Gateway Error",
		},
	}

	h := &ProxyHandler{logger: discardLogger()}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/order", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, h.mapError(c, tt.err))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, rec)["error"])
		})
	}
}
