package packcache

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/crohr/smart-git-proxy/internal/filelock"
	"github.com/crohr/smart-git-proxy/internal/pktline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testHash = "1e95621aee9bfc6f9d7eae5aaa9e31c6d8e482f7542b4ce1145e08d0328c9ea8"

func TestOpenShardsByHashPrefix(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filelock.NewManager(), testLogger(), dir, testHash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := filepath.Join(dir, "pack_cache", testHash[:2], testHash)
	if c.Filename != want {
		t.Fatalf("Filename = %q, want %q", c.Filename, want)
	}
	if !c.Hit {
		t.Fatalf("expected a freshly opened entry to default Hit=true")
	}
}

func TestExistsRequiresTrailingFlush(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filelock.NewManager(), testLogger(), dir, testHash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Exists() {
		t.Fatalf("expected no entry before it is written")
	}

	if err := os.WriteFile(c.Filename, []byte("PACKsomefakecontent0000"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !c.Exists() {
		t.Fatalf("expected a trailing-flush file to be considered valid")
	}

	if err := os.WriteFile(c.Filename, []byte("PACKsomefakecontentXXXX"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.Exists() {
		t.Fatalf("expected a non-flush-terminated file to be considered corrupted")
	}
}

func TestPopulateThenServeRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filelock.NewManager(), testLogger(), dir, testHash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := append(pktline.Encode([]byte("hello pack data"), 1), pktline.EncodeFlush()...)
	if err := c.Populate(pktline.NewChunkReader(bytes.NewReader(payload))); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if c.Hit {
		t.Fatalf("expected Populate to clear Hit (cache miss)")
	}
	if !c.Exists() {
		t.Fatalf("expected a populated entry to validate")
	}

	var out bytes.Buffer
	if err := c.Serve(&out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("served bytes = %q, want %q", out.Bytes(), payload)
	}
}

func TestPopulateRemovesPartialFileOnMalformedInput(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filelock.NewManager(), testLogger(), dir, testHash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := c.Populate(pktline.NewChunkReader(bytes.NewReader([]byte("not a pkt-line stream")))); err == nil {
		t.Fatalf("expected Populate to fail on malformed input")
	}
	if _, statErr := os.Stat(c.Filename); statErr == nil {
		t.Fatalf("expected partial cache file to be removed after a failed Populate")
	}
}
