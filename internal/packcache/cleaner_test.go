package packcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crohr/smart-git-proxy/internal/filelock"
)

func writeShardedEntry(t *testing.T, workDir, hash string, size int, mtime time.Time) {
	t.Helper()
	dir := filepath.Join(workDir, "pack_cache", hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, hash)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestCleanEvictsOldestEntriesUntilUnderLimit(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeShardedEntry(t, dir, "aa00000000000000000000000000000000000000000000000000000000000001", 100, now.Add(-3*time.Hour))
	writeShardedEntry(t, dir, "bb00000000000000000000000000000000000000000000000000000000000002", 100, now.Add(-2*time.Hour))
	writeShardedEntry(t, dir, "cc00000000000000000000000000000000000000000000000000000000000003", 100, now.Add(-1*time.Hour))

	cleaner := &Cleaner{
		WorkDir:      dir,
		MaxSizeBytes: 150,
		locks:        filelock.NewManager(),
		log:          testLogger(),
		cacheDir:     filepath.Join(dir, "pack_cache"),
		lockPath:     filepath.Join(dir, "pack_cache", "clean.lock"),
	}

	evicted, err := cleaner.Clean()
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if evicted == 0 {
		t.Fatalf("expected at least one eviction")
	}

	if _, err := os.Stat(filepath.Join(dir, "pack_cache", "aa", "aa00000000000000000000000000000000000000000000000000000000000001")); err == nil {
		t.Fatalf("expected the oldest entry to be evicted first")
	}
}

func TestCleanSkipsWhenRecentlyRun(t *testing.T) {
	dir := t.TempDir()
	cleaner := NewCleaner(filelock.NewManager(), testLogger(), dir, 20)
	if err := os.MkdirAll(cleaner.cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cleaner.lockPath, nil, 0o644); err != nil {
		t.Fatalf("write lock file: %v", err)
	}

	evicted, err := cleaner.Clean()
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("expected no-op when last cleanup was under a minute ago")
	}
}
