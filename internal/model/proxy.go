// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound request resolved to a backend and ready to be
// forwarded.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // inbound path, decoded, before rewriting
	RawQuery string // inbound query string, forwarded as received
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength is the inbound body length, or -1 when unknown.
	ContentLength int64

	// Raw is the inbound request; the multipart forwarder reads the body
	// through it.
	Raw *http.Request

	Backend    string // backend service name
	BaseURL    string // backend base URL
	TargetPath string // rewritten, still escaped path sent to the backend

	// Schema types multipart fields before forwarding; nil selects the
	// passthrough encoding.
	Schema map[string]FieldKind
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// StagedFile is an uploaded file part written to the staging directory.
// It lives only as long as the request that created it.
type StagedFile struct {
	Field       string
	Filename    string
	ContentType string
	Path        string
	Size        int64
}
