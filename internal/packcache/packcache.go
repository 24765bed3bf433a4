// Package packcache caches the binary pack built by git-upload-pack for a
// given fetch fingerprint (C5), so repeated identical fetches are served
// from disk instead of re-running git's expensive repacking.
package packcache

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crohr/smart-git-proxy/internal/filelock"
	"github.com/crohr/smart-git-proxy/internal/pktline"
)

// ChunkSize is the read buffer size used when streaming a cached pack back
// to a client.
const ChunkSize = 64 * 1024

// Cache is one sharded pack-cache entry, keyed by the request fingerprint.
type Cache struct {
	Hash     string
	Filename string
	Hit      bool

	locks *filelock.Manager
	log   *slog.Logger
}

// Open locates (creating parent shard directories as needed) the cache
// entry for hash, sharded two hex characters deep exactly as
// pack_cache/<hh>/<hash> (spec.md §3).
func Open(locks *filelock.Manager, log *slog.Logger, workDir, hash string) (*Cache, error) {
	shard := hash
	if len(hash) >= 2 {
		shard = hash[:2]
	}
	dir := filepath.Join(workDir, "pack_cache", shard)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{
		Hash:     hash,
		Filename: filepath.Join(dir, hash),
		Hit:      true,
		locks:    locks,
		log:      log,
	}, nil
}

// ReadLock returns a shared-mode lock over this entry.
func (c *Cache) ReadLock() (*filelock.Lock, error) {
	return c.locks.NewLock(c.Filename+".lock", filelock.Shared)
}

// WriteLock returns an exclusive-mode lock over this entry.
func (c *Cache) WriteLock() (*filelock.Lock, error) {
	return c.locks.NewLock(c.Filename+".lock", filelock.Exclusive)
}

// Delete removes the cache entry from disk.
func (c *Cache) Delete() error {
	c.log.Info("deleting pack cache entry", "hash", c.Hash)
	return os.Remove(c.Filename)
}

// Exists reports whether the cache entry is present, non-empty, and ends in
// a flush packet (the only way a pack written by Populate can be
// incomplete is a crash mid-write, which this trailing check catches).
func (c *Cache) Exists() bool {
	info, err := os.Stat(c.Filename)
	if err != nil || info.Size() == 0 {
		return false
	}
	f, err := os.Open(c.Filename)
	if err != nil {
		return false
	}
	defer f.Close()

	if _, err := f.Seek(-4, io.SeekEnd); err != nil {
		return false
	}
	tail := make([]byte, 4)
	if _, err := io.ReadFull(f, tail); err != nil {
		return false
	}
	if string(tail) == "0000" {
		return true
	}
	c.log.Warn("pack cache entry is corrupted", "hash", c.Hash)
	return false
}

// Size returns the cache entry's size on disk.
func (c *Cache) Size() (int64, error) {
	info, err := os.Stat(c.Filename)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Serve streams the cached pack to w in ChunkSize reads, and touches the
// entry's mtime afterward so LRU eviction sees it as recently used. A
// client hanging up mid-stream is not an error: serving stops and the
// mtime is still updated, since the cache is still hot.
func (c *Cache) Serve(w io.Writer) error {
	size, _ := c.Size()
	c.log.Info("serving from pack cache", "hash", c.Hash, "pack_hit", c.Hit, "size", size)

	f, err := os.Open(c.Filename)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				c.log.Warn("connection reset while serving pack cache", "hash", c.Hash)
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	now := time.Now()
	return os.Chtimes(c.Filename, now, now)
}

// Populate reads git-upload-pack's output through r, collapsing sideband-2
// progress frames, and writes the result to the cache entry. On a parse
// failure the partial file is removed so the next request tries again
// rather than serving a truncated pack.
func (c *Cache) Populate(r *pktline.ChunkReader) error {
	c.log.Info("cache miss, creating new cache entry", "hash", c.Hash)
	c.Hit = false

	f, err := os.Create(c.Filename)
	if err != nil {
		return err
	}
	if err := r.CopyTo(f); err != nil {
		c.log.Error("aborting pack cache population", "hash", c.Hash, "error", err)
		_ = f.Close()
		_ = os.Remove(c.Filename)
		return err
	}
	return f.Close()
}
