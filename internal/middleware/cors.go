package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"storefront-gateway/internal/config"
)

// corsMethods are the methods browsers may use against the gateway.
var corsMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// CORS returns the cross-origin middleware for the configured origins.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     corsMethods,
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           86400,
	})
}
