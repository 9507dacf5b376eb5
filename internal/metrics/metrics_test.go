package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	// Go runtime and process collectors are always present.
	require.NotEmpty(t, families)

	m.RequestsTotal.WithLabelValues("GET", "200", "/api/v1/order").Inc()
	m.BackendFailures.WithLabelValues("order", "unreachable").Inc()

	families, err = m.Registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "storefront_gateway_http_requests_total")
	assert.Contains(t, names, "storefront_gateway_backend_failures_total")
	assert.Contains(t, names, "storefront_gateway_staged_files")
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMethod(tt.method))
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/product/42", "/api/v1/product"},
		{"/api/v1/products", "/api/v1/product"},
		{"/api/v1/categories/3", "/api/v1/categories"},
		{"/api/v1/orders/9", "/api/v1/order"},
		{"/api/v1/reviews", "/api/v1/review"},
		{"/api/auth/login", "/api/auth"},
		{"/api/products/1", "/api/products"},
		{"/webhook", "/webhook"},
		{"/health", "/health"},
		{"/gateway/status", "/gateway/status"},
		{"/metrics", "/metrics"},
		{"/unknown", "other"},
		{"/", "other"},
		{"/api/v2/foo", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.path))
		})
	}
}
