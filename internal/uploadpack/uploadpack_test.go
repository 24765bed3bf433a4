package uploadpack

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/crohr/smart-git-proxy/internal/fetchrequest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEmptyRequest() *fetchrequest.Request {
	return fetchrequest.ParseV2([]byte("0000"))
}

func TestRunWritesPackErrorOnParseError(t *testing.T) {
	var out bytes.Buffer
	h := New(nil, nil, nil, nil, &out, "2", Options{}, testLogger())

	req := fetchrequest.ParseV2([]byte("not a valid pkt-line stream"))
	if err := h.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() == 0 {
		t.Fatalf("expected an ERR packet to be written for a parse error")
	}
	if h.Status() != "error" {
		t.Fatalf("expected status %q, got %q", "error", h.Status())
	}
}

func TestRunWithNoWantsIsANoop(t *testing.T) {
	var out bytes.Buffer
	h := New(nil, nil, nil, nil, &out, "2", Options{}, testLogger())

	req := newEmptyRequest()
	if req.ParseError {
		t.Fatalf("expected a bare flush to parse successfully as an empty v2 request")
	}
	if req.Wants.Size() != 0 {
		t.Fatalf("expected no wants in an empty request")
	}
	if err := h.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected nothing written to the client for a wantless request")
	}
}

func TestTruncatedRawCapsAt128Bytes(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 256)
	req := fetchrequest.ParseV2(long) // malformed, but still carries the raw bytes
	if got := truncatedRaw(req); len(got) > 128 {
		t.Fatalf("expected truncation to at most 128 bytes, got %d", len(got))
	}
}

func TestOptionsWithDefaultsFillsZeroValues(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size, got %d", opts.ChunkSize)
	}
	if opts.GitProcessWait <= 0 || opts.CachedGitProcessWait <= 0 {
		t.Fatalf("expected non-zero default wait timeouts")
	}
}

func TestWriteInputIgnoresWriteError(t *testing.T) {
	// a write-closer whose Write always fails must not propagate the error,
	// mirroring the original's "ignore BrokenPipeError" behavior for an
	// upload-pack process that has already errored out on its own.
	wc := &failingWriteCloser{}
	if err := writeInput(wc, []byte("data"), testLogger()); err != nil {
		t.Fatalf("expected writeInput to swallow the write error, got %v", err)
	}
	if !wc.closed {
		t.Fatalf("expected stdin to be closed even after a write failure")
	}
}

type failingWriteCloser struct{ closed bool }

func (f *failingWriteCloser) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (f *failingWriteCloser) Close() error                 { f.closed = true; return nil }
