package httperr

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/crohr/smart-git-proxy/internal/repocache"
)

func TestStatusForUnauthorized(t *testing.T) {
	if got := StatusFor(repocache.ErrUnauthorized); got != http.StatusUnauthorized {
		t.Fatalf("got %d, want %d", got, http.StatusUnauthorized)
	}
	wrapped := fmt.Errorf("fetch: %w", repocache.ErrUnauthorized)
	if got := StatusFor(wrapped); got != http.StatusUnauthorized {
		t.Fatalf("wrapped: got %d, want %d", got, http.StatusUnauthorized)
	}
}

func TestStatusForMirrorUpdateError(t *testing.T) {
	err := &repocache.MirrorUpdateError{Stderr: "fatal: could not read from remote"}
	if got := StatusFor(err); got != http.StatusInternalServerError {
		t.Fatalf("got %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestStatusForBadPath(t *testing.T) {
	err := &BadPathError{Path: "../../etc", Reason: "path traversal"}
	if got := StatusFor(err); got != http.StatusBadRequest {
		t.Fatalf("got %d, want %d", got, http.StatusBadRequest)
	}
}

func TestStatusForContextErrors(t *testing.T) {
	if got := StatusFor(context.DeadlineExceeded); got != http.StatusGatewayTimeout {
		t.Fatalf("got %d, want %d", got, http.StatusGatewayTimeout)
	}
	if got := StatusFor(context.Canceled); got != 499 {
		t.Fatalf("got %d, want 499", got)
	}
}

func TestStatusForUnknownErrorIsBadGateway(t *testing.T) {
	if got := StatusFor(fmt.Errorf("something went wrong")); got != http.StatusBadGateway {
		t.Fatalf("got %d, want %d", got, http.StatusBadGateway)
	}
}
