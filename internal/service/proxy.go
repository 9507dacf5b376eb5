// Package service implements the gateway's forwarding logic.
package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"storefront-gateway/internal/client"
	"storefront-gateway/internal/model"
	"storefront-gateway/internal/upload"
)

// forwardableRequestHeaders are the only request headers forwarded to backends.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Stripe-Signature",
	"X-Request-Id",
}

// forwardableResponseHeaders are the only response headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
	"Cache-Control":  true,
	"Date":           true,
	"Etag":           true,
	"Last-Modified":  true,
	"Location":       true,
	"X-Request-Id":   true,
}

const userAgent = "storefront-gateway/1.0"

// ProxyService forwards resolved requests to their backend.
type ProxyService struct {
	client *client.BackendClient
	stager *upload.Stager
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, st *upload.Stager, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		stager: st,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends pr to its backend and returns the backend's response.
// The caller is responsible for closing the response body.
//
// Errors are *upload.ParseError for unreadable multipart bodies,
// *BackendError when the backend produced no response, or a plain error for
// anything else.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	mode := Classify(pr.Header.Get("Content-Type"))

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"backend", pr.Backend,
		"target", pr.TargetPath,
		"mode", mode.String(),
	)

	if mode == Multipart {
		return s.forwardMultipart(pr)
	}
	return s.forwardStructured(pr)
}

// forwardStructured relays the body byte for byte. GET and HEAD carry no body.
func (s *ProxyService) forwardStructured(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := s.filterRequestHeaders(pr.Header)
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	var body io.Reader = http.NoBody
	length := int64(0)
	if carriesBody(pr.Method) && pr.Body != nil {
		body = pr.Body
		length = pr.ContentLength
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, buildTargetURL(pr), body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = header
	if length > 0 {
		req.ContentLength = length
	}

	return s.send(pr, req)
}

// sendJSON forwards v as a JSON body.
func (s *ProxyService) sendJSON(pr *model.ProxyRequest, v any) (*model.ProxyResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode typed fields: %w", err)
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, buildTargetURL(pr), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = s.identityHeaders(pr.Header)
	req.Header.Set("Content-Type", "application/json")

	return s.send(pr, req)
}

func (s *ProxyService) send(pr *model.ProxyRequest, req *http.Request) (*model.ProxyResponse, error) {
	resp, err := s.client.Do(pr.Backend, req)
	if err != nil {
		return nil, newBackendError(pr.Backend, err)
	}
	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

func carriesBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func buildTargetURL(pr *model.ProxyRequest) string {
	u := strings.TrimRight(pr.BaseURL, "/") + pr.TargetPath
	if pr.RawQuery != "" {
		u += "?" + pr.RawQuery
	}
	return u
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// identityHeaders is the header set for re-encoded bodies: everything but
// the inbound Content-Type.
func (s *ProxyService) identityHeaders(src http.Header) http.Header {
	dst := s.filterRequestHeaders(src)
	dst.Del("Content-Type")
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
