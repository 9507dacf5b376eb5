// Package client provides the outbound HTTP client for backend services.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"storefront-gateway/internal/config"
	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/model"
)

// ErrCircuitOpen is returned while a backend's circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("backend circuit open")

// BackendClient sends requests to backend services.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewBackendClient creates a BackendClient with connection pooling. When the
// circuit breaker is enabled, every configured service gets its own breaker.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are the caller's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}

	if cfg.CircuitBreaker.Enabled {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker)
		for _, name := range cfg.Services.Names() {
			c.breakers[name] = c.newBreaker(name, cfg.CircuitBreaker)
		}
	}
	return c
}

func (c *BackendClient) newBreaker(name string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.ConsecutiveFailures) //nolint:gosec // validated non-negative
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller hanging up says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"backend", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Do executes req against the named backend and returns the raw response.
// Any HTTP status is a successful call; only transport failures count
// against the breaker. The caller is responsible for closing the response body.
func (c *BackendClient) Do(backend string, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("backend request",
		"backend", backend,
		"method", req.Method,
		"path", req.URL.Path,
	)

	cb := c.breakers[backend]
	if cb == nil {
		return c.do(backend, req)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return c.do(backend, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.recordFailure(backend, "circuit_open")
		return nil, fmt.Errorf("%s: %w", backend, ErrCircuitOpen)
	}
	if err != nil {
		return nil, err
	}
	return out.(*model.ProxyResponse), nil
}

func (c *BackendClient) do(backend string, req *http.Request) (*model.ProxyResponse, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.BackendDuration.WithLabelValues(backend, method).Observe(duration)
	}

	if err != nil {
		c.recordFailure(backend, "transport")
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.BackendResponses.WithLabelValues(backend, method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func (c *BackendClient) recordFailure(backend, reason string) {
	if c.metrics != nil {
		c.metrics.BackendFailures.WithLabelValues(backend, reason).Inc()
	}
}

// BreakerState returns the circuit state of the named backend, or "disabled".
func (c *BackendClient) BreakerState(backend string) string {
	cb := c.breakers[backend]
	if cb == nil {
		return "disabled"
	}
	return cb.State().String()
}
