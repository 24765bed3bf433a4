package packcache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/crohr/smart-git-proxy/internal/filelock"
)

// Cleaner evicts the oldest pack-cache entries once the cache directory
// exceeds MaxSizeBytes, throttled to run at most once per minute.
type Cleaner struct {
	WorkDir      string
	MaxSizeBytes int64

	locks *filelock.Manager
	log   *slog.Logger

	cacheDir string
	lockPath string

	// OnSize, if set, is called during every Clean with the total bytes
	// found per two-character shard directory. Left nil by default so the
	// package stays metrics-agnostic for its own tests; cmd/proxy wires it
	// to the pack_cache_bytes gauge.
	OnSize func(shard string, bytes int64)
}

// NewCleaner builds a Cleaner bounding the pack_cache directory under
// workDir to maxSizeGB gigabytes, minus a 512MB margin so a single cleanup
// run doesn't leave the cache sitting exactly at the limit.
func NewCleaner(locks *filelock.Manager, log *slog.Logger, workDir string, maxSizeGB int64) *Cleaner {
	const mb = 1024 * 1024
	maxBytes := maxSizeGB*1024*mb - 512*mb
	return &Cleaner{
		WorkDir:      workDir,
		MaxSizeBytes: maxBytes,
		locks:        locks,
		log:          log,
		cacheDir:     filepath.Join(workDir, "pack_cache"),
		lockPath:     filepath.Join(workDir, "pack_cache", "clean.lock"),
	}
}

type fileEntry struct {
	path  string
	hash  string
	size  int64
	mtime time.Time
}

// Clean evicts the least-recently-used entries until the cache directory is
// back under MaxSizeBytes. It is a no-op if another cleanup ran within the
// last minute (observed via the cleanup lock file's own mtime), so
// concurrent requests don't all pay the directory-walk cost.
func (c *Cleaner) Clean() (evicted int, err error) {
	if info, statErr := os.Stat(c.lockPath); statErr == nil {
		if time.Since(info.ModTime()) < time.Minute {
			c.log.Debug("pack cache cleanup not due yet")
			return 0, nil
		}
	}

	lock, err := c.locks.NewLock(c.lockPath, filelock.Exclusive)
	if err != nil {
		return 0, err
	}
	if err := lock.Acquire(context.Background()); err != nil {
		return 0, err
	}
	defer lock.Release()

	if err := os.MkdirAll(filepath.Dir(c.lockPath), 0o755); err != nil {
		return 0, err
	}
	now := time.Now()
	if err := os.Chtimes(c.lockPath, now, now); err != nil {
		if !os.IsNotExist(err) {
			return 0, err
		}
		if err := os.WriteFile(c.lockPath, nil, 0o644); err != nil {
			return 0, err
		}
	}
	return c.clean()
}

func (c *Cleaner) clean() (int, error) {
	entries, err := c.listEntries()
	if err != nil {
		return 0, err
	}

	var total int64
	bySizeShard := map[string]int64{}
	for _, e := range entries {
		total += e.size
		bySizeShard[filepath.Base(filepath.Dir(e.path))] += e.size
	}
	if c.OnSize != nil {
		for shard, bytes := range bySizeShard {
			c.OnSize(shard, bytes)
		}
	}
	c.log.Info("pack cache size", "size", total, "max_size", c.MaxSizeBytes, "entries", len(entries))
	if total < c.MaxSizeBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })

	var removed int64
	var toDelete []fileEntry
	for total-removed >= c.MaxSizeBytes && len(entries) > 0 {
		e := entries[0]
		entries = entries[1:]
		removed += e.size
		toDelete = append(toDelete, e)
	}

	c.log.Info("pack cache cleaning", "size", total, "max_size", c.MaxSizeBytes,
		"removed_size", removed, "removed_entries", len(toDelete))

	count := 0
	for _, e := range toDelete {
		cache, err := Open(c.locks, c.log, c.WorkDir, e.hash)
		if err != nil {
			continue
		}
		wl, err := cache.WriteLock()
		if err != nil {
			continue
		}
		if err := wl.Acquire(context.Background()); err != nil {
			continue
		}
		if err := cache.Delete(); err == nil {
			count++
		}
		wl.Release()
	}
	return count, nil
}

func (c *Cleaner) listEntries() ([]fileEntry, error) {
	shards, err := os.ReadDir(c.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []fileEntry
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.cacheDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, fileEntry{
				path:  filepath.Join(shardPath, f.Name()),
				hash:  f.Name(),
				size:  info.Size(),
				mtime: info.ModTime(),
			})
		}
	}
	return entries, nil
}
