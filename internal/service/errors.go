package service

import (
	"context"
	"errors"
	"net"
	"syscall"

	"storefront-gateway/internal/client"
)

// ErrBackendUnavailable matches errors for backends that could not be reached.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BackendError is a failed call to a backend that produced no response.
type BackendError struct {
	Backend     string
	Unavailable bool
	Err         error
}

func newBackendError(backend string, err error) *BackendError {
	return &BackendError{
		Backend:     backend,
		Unavailable: isUnreachable(err),
		Err:         err,
	}
}

func (e *BackendError) Error() string {
	return "backend " + e.Backend + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrBackendUnavailable) match unreachable backends.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable && e.Unavailable
}

// isUnreachable reports whether err means no connection could be made.
func isUnreachable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, client.ErrCircuitOpen) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
