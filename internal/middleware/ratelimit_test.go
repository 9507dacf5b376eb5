package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 1; the second request is rejected.
	e.Use(RateLimiter(1))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "first request")

	var limited *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	require.NotNil(t, limited, "expected at least one 429 response after burst")

	var body map[string]string
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body["error"])
}
