// Package httperr classifies core errors into HTTP status codes and
// response bodies, the Go-idiomatic replacement for aiohttp's
// HTTPUnauthorized/HTTPInternalServerError/HTTPBadRequest exceptions used
// throughout the original implementation.
package httperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/crohr/smart-git-proxy/internal/repocache"
)

// StatusFor maps an error returned by the C4-C6 pipeline to the HTTP status
// code that should be sent to the client.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, repocache.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled):
		return 499 // client closed request, nginx's convention; no net/http constant exists
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case isBadPath(err):
		return http.StatusBadRequest
	default:
		var mirrorErr *repocache.MirrorUpdateError
		if errors.As(err, &mirrorErr) {
			return http.StatusInternalServerError
		}
		return http.StatusBadGateway
	}
}

// BadPathError marks a client-supplied repo path as invalid, distinct from
// every other failure mode so it always maps to 400 rather than 502.
type BadPathError struct {
	Path   string
	Reason string
}

func (e *BadPathError) Error() string {
	return "bad path: " + e.Path + ": " + e.Reason
}

func isBadPath(err error) bool {
	var badPath *BadPathError
	return errors.As(err, &badPath)
}

// Write sends err's message as a plain-text HTTP error response, with the
// status StatusFor(err) picks.
func Write(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusFor(err))
}
