// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/storefront-gateway/config.toml",
	"configs/config.toml",
}

// Backend service names known to the default route table.
const (
	ServiceAuth    = "auth"
	ServiceProduct = "product"
	ServiceCart    = "cart"
	ServiceOrder   = "order"
	ServiceReview  = "review"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	UploadDir string `kong:"help='Directory for staged uploads (overrides config).',env='UPLOAD_DIR'"`

	AuthServiceURL    string `kong:"help='Auth service base URL.',env='AUTH_SERVICE_URL'"`
	ProductServiceURL string `kong:"help='Product service base URL.',env='PRODUCT_SERVICE_URL'"`
	CartServiceURL    string `kong:"help='Cart service base URL.',env='CART_SERVICE_URL'"`
	OrderServiceURL   string `kong:"help='Order service base URL.',env='ORDER_SERVICE_URL'"`
	ReviewServiceURL  string `kong:"help='Review service base URL.',env='REVIEW_SERVICE_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Services       ServicesConfig       `toml:"services"`
	Upstream       UpstreamConfig       `toml:"upstream"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Upload         UploadConfig         `toml:"upload"`
	CORS           CORSConfig           `toml:"cors"`
	Log            LogConfig            `toml:"log"`
	Metrics        MetricsConfig        `toml:"metrics"`
	Routes         []RouteConfig        `toml:"routes"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ServicesConfig holds the base URL of every backend service.
type ServicesConfig struct {
	Auth    string `toml:"auth"`
	Product string `toml:"product"`
	Cart    string `toml:"cart"`
	Order   string `toml:"order"`
	Review  string `toml:"review"`

	Extra map[string]string `toml:"extra"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	// TimeoutSeconds bounds a whole outbound call. 0 disables the timeout,
	// so a hung backend hangs the inbound request.
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// CircuitBreakerConfig controls the optional per-backend circuit breaker.
type CircuitBreakerConfig struct {
	Enabled             bool `toml:"enabled"`
	ConsecutiveFailures int  `toml:"consecutive_failures"`
	OpenSeconds         int  `toml:"open_seconds"`
}

// UploadConfig holds settings for staging multipart uploads.
type UploadConfig struct {
	Dir           string `toml:"dir"`
	MaxFieldBytes int64  `toml:"max_field_bytes"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowOrigins     []string `toml:"allow_origins"`
	AllowCredentials bool     `toml:"allow_credentials"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RouteConfig declares an additional route on top of the built-in table.
type RouteConfig struct {
	Name     string `toml:"name"`
	Match    string `toml:"match"`   // "prefix" (default) or "exact"
	Pattern  string `toml:"pattern"` // literal path or path prefix
	Backend  string `toml:"backend"`
	Rewrite  string `toml:"rewrite"` // "identity" (default), "substitute" or "strip"
	From     string `toml:"from"`
	To       string `toml:"to"`
	Schema   string `toml:"schema"` // "" or "product"
	Priority int    `toml:"priority"`
}

// Load reads the TOML config file, applies CLI overrides and defaults.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/storefront-gateway/config.toml then configs/config.toml. A missing
// file is not an error: the gateway runs on defaults and environment values.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.UploadDir != "" {
		c.Upload.Dir = cli.UploadDir
	}
	if cli.AuthServiceURL != "" {
		c.Services.Auth = cli.AuthServiceURL
	}
	if cli.ProductServiceURL != "" {
		c.Services.Product = cli.ProductServiceURL
	}
	if cli.CartServiceURL != "" {
		c.Services.Cart = cli.CartServiceURL
	}
	if cli.OrderServiceURL != "" {
		c.Services.Order = cli.OrderServiceURL
	}
	if cli.ReviewServiceURL != "" {
		c.Services.Review = cli.ReviewServiceURL
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB, uploads included
	}
	if c.Services.Auth == "" {
		c.Services.Auth = "http://localhost:8001"
	}
	if c.Services.Cart == "" {
		c.Services.Cart = "http://localhost:8002"
	}
	if c.Services.Product == "" {
		c.Services.Product = "http://localhost:8003"
	}
	if c.Services.Order == "" {
		c.Services.Order = "http://localhost:8004"
	}
	if c.Services.Review == "" {
		c.Services.Review = "http://localhost:8005"
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.CircuitBreaker.ConsecutiveFailures == 0 {
		c.CircuitBreaker.ConsecutiveFailures = 5
	}
	if c.CircuitBreaker.OpenSeconds == 0 {
		c.CircuitBreaker.OpenSeconds = 30
	}
	if c.Upload.Dir == "" {
		c.Upload.Dir = "uploads"
	}
	if c.Upload.MaxFieldBytes == 0 {
		c.Upload.MaxFieldBytes = 1 << 20
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	for i := range c.Routes {
		if c.Routes[i].Match == "" {
			c.Routes[i].Match = "prefix"
		}
		if c.Routes[i].Rewrite == "" {
			c.Routes[i].Rewrite = "identity"
		}
	}
}

func (c *Config) validate() error {
	for name, raw := range c.Services.All() {
		if err := validateServiceURL(name, raw); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.CircuitBreaker.ConsecutiveFailures < 0 || c.CircuitBreaker.OpenSeconds < 0 {
		return fmt.Errorf("circuit_breaker values must be non-negative")
	}
	if c.Upload.MaxFieldBytes < 0 {
		return fmt.Errorf("upload.max_field_bytes must be non-negative; got %d", c.Upload.MaxFieldBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api", "/health", "/gateway/status", "/webhook"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	for i, r := range c.Routes {
		if err := c.validateRoute(r); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateRoute(r RouteConfig) error {
	if r.Pattern == "" || r.Pattern[0] != '/' {
		return fmt.Errorf("pattern must start with '/'; got %q", r.Pattern)
	}
	if _, ok := c.Services.URL(r.Backend); !ok {
		return fmt.Errorf("unknown backend %q", r.Backend)
	}
	switch r.Match {
	case "prefix", "exact":
	default:
		return fmt.Errorf("match must be prefix or exact; got %q", r.Match)
	}
	switch r.Rewrite {
	case "identity":
	case "substitute":
		if r.From == "" || r.To == "" {
			return fmt.Errorf("substitute rewrite needs from and to")
		}
	case "strip":
		if r.From == "" {
			return fmt.Errorf("strip rewrite needs from")
		}
	default:
		return fmt.Errorf("rewrite must be identity, substitute or strip; got %q", r.Rewrite)
	}
	switch r.Schema {
	case "", "product":
	default:
		return fmt.Errorf("unknown schema %q", r.Schema)
	}
	return nil
}

func validateServiceURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("services.%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("services.%s must use http or https; got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("services.%s has no host; got %q", name, raw)
	}
	return nil
}

// All returns every configured backend keyed by service name.
func (s *ServicesConfig) All() map[string]string {
	all := map[string]string{
		ServiceAuth:    s.Auth,
		ServiceProduct: s.Product,
		ServiceCart:    s.Cart,
		ServiceOrder:   s.Order,
		ServiceReview:  s.Review,
	}
	for name, u := range s.Extra {
		if _, builtin := all[name]; !builtin {
			all[name] = u
		}
	}
	return all
}

// Names returns the configured service names in sorted order.
func (s *ServicesConfig) Names() []string {
	all := s.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URL returns the base URL of the named service.
func (s *ServicesConfig) URL(name string) (string, bool) {
	u, ok := s.All()[name]
	return u, ok && u != ""
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
