package procutil

import (
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureTerminatedAlreadyExited(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := Wait(cmd)

	start := time.Now()
	err := EnsureTerminated(cmd, done, "true", 2*time.Second, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected prompt return for an already-exited process")
	}
}

func TestEnsureTerminatedEscalatesToTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := Wait(cmd)

	start := time.Now()
	_ = EnsureTerminated(cmd, done, "sleep", 100*time.Millisecond, testLogger())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected terminate to reap the process quickly, took %v", elapsed)
	}
}

func TestTruncateOutputMarksBinary(t *testing.T) {
	if got := TruncateOutput([]byte{0xff, 0xfe, 0x00}, 128); got != "<binary>" {
		t.Fatalf("expected <binary> marker, got %q", got)
	}
	if got := TruncateOutput([]byte("hello world"), 5); got != "hello" {
		t.Fatalf("expected truncation to 5 bytes, got %q", got)
	}
}
