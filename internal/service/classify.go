package service

import "strings"

// BodyMode selects how a request body is forwarded.
type BodyMode int

const (
	// Structured bodies (JSON, urlencoded, anything not multipart) are
	// relayed byte for byte.
	Structured BodyMode = iota
	// Multipart bodies are staged, optionally typed, and re-encoded.
	Multipart
)

func (m BodyMode) String() string {
	if m == Multipart {
		return "multipart"
	}
	return "structured"
}

// Classify picks the forwarding strategy for a Content-Type header value.
func Classify(contentType string) BodyMode {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "multipart/") {
		return Multipart
	}
	return Structured
}
