// Package bundlefetch proxies and caches CDN-hosted clone.bundle files: a
// pre-built bundle of a repository's recent history, published by a big
// upstream (Google's AOSP mirrors being the canonical example) to let a
// first clone skip hours of history replay. A bundle is fetched once per
// repository, verified against the CDN's advertised checksum, cached on
// disk, and served to every subsequent client straight from that cache.
package bundlefetch

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/crohr/smart-git-proxy/internal/upstream"
)

// Fetcher serves one CDN's worth of clone bundles. URLTemplate must contain
// exactly one "%s", replaced with the bundle name derived from the repo path
// (e.g. "https://storage.googleapis.com/gerritcodereview/android_%s_clone.bundle").
type Fetcher struct {
	Client      *upstream.Client
	URLTemplate string
}

// Enabled reports whether a CDN bundle source is configured at all.
func (f *Fetcher) Enabled() bool {
	return f != nil && f.URLTemplate != ""
}

func (f *Fetcher) bundleURL(bundleName string) string {
	return fmt.Sprintf(f.URLTemplate, bundleName)
}

// ErrUnavailable means the CDN doesn't have this bundle (or isn't
// reachable), distinct from a download/checksum failure: callers should
// treat it as "fall back to a normal clone", not as a 5xx.
var ErrUnavailable = fmt.Errorf("bundlefetch: bundle unavailable")

// Serve writes the cached (or freshly downloaded) bundle named bundleName to
// w, using cacheFile as the on-disk cache location. Callers are expected to
// hold an appropriate internal/filelock lock around the call: Serve itself
// does no locking, since the right granularity (shared for a cache hit,
// exclusive for a population) is the caller's to decide.
func (f *Fetcher) Serve(ctx context.Context, w http.ResponseWriter, cacheFile, bundleName string) error {
	if !f.Enabled() {
		return ErrUnavailable
	}

	md5sum, expectedSize, err := f.headBundle(ctx, bundleName)
	if err != nil {
		return ErrUnavailable
	}

	if info, statErr := os.Stat(cacheFile); statErr == nil && expectedSize > 0 && info.Size() == expectedSize {
		return serveFromDisk(w, cacheFile)
	}

	return f.download(ctx, w, cacheFile, bundleName, md5sum)
}

func (f *Fetcher) headBundle(ctx context.Context, bundleName string) (md5sum []byte, size int64, err error) {
	resp, err := f.Client.Do(ctx, http.MethodHead, f.bundleURL(bundleName), nil, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("bundlefetch: HEAD %s returned %d", bundleName, resp.StatusCode)
	}

	for _, h := range resp.Header.Values("x-goog-hash") {
		typ, val, ok := strings.Cut(h, "=")
		if ok && typ == "md5" {
			if decoded, decErr := base64.StdEncoding.DecodeString(val); decErr == nil {
				md5sum = decoded
			}
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		size, _ = strconv.ParseInt(cl, 10, 64)
	}
	if md5sum == nil || size == 0 {
		return nil, 0, fmt.Errorf("bundlefetch: %s missing checksum or size", bundleName)
	}
	return md5sum, size, nil
}

func serveFromDisk(w http.ResponseWriter, cacheFile string) error {
	f, err := os.Open(cacheFile)
	if err != nil {
		return err
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = io.Copy(w, f)
	return err
}

// download streams the bundle to both w and a temp file, verifying the
// checksum as it goes; a mismatch deletes the partial cache file so the next
// request re-downloads rather than serving (or caching) corrupt data.
func (f *Fetcher) download(ctx context.Context, w http.ResponseWriter, cacheFile, bundleName string, wantMD5 []byte) error {
	resp, err := f.Client.Do(ctx, http.MethodGet, f.bundleURL(bundleName), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bundlefetch: GET %s returned %d", bundleName, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(cacheFile[:strings.LastIndex(cacheFile, "/")+1], "*.bundle.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w.Header().Set("Content-Type", "application/octet-stream")
	hash := md5.New()
	mw := io.MultiWriter(w, tmp, hash)
	if _, err := io.Copy(mw, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if cerr := tmp.Close(); cerr != nil {
		return cerr
	}

	if wantMD5 != nil && string(hash.Sum(nil)) != string(wantMD5) {
		return fmt.Errorf("bundlefetch: checksum mismatch for %s", bundleName)
	}
	return os.Rename(tmpPath, cacheFile)
}
