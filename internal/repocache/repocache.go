// Package repocache implements the bare-mirror repository cache (C4):
// lazily cloning/fetching a local bare mirror of an upstream repository
// under exclusive locks, and answering commit-existence queries under
// shared locks.
package repocache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/crohr/smart-git-proxy/internal/filelock"
	"github.com/crohr/smart-git-proxy/internal/procutil"
)

// Backoff controls clone/fetch retry spacing (spec.md §6,
// BACKOFF_START/BACKOFF_COUNT env vars, default start=0.5s count=5).
type Backoff struct {
	Start time.Duration
	Count int
}

func (b Backoff) delays() []time.Duration {
	if b.Count <= 0 {
		b.Count = 5
	}
	if b.Start <= 0 {
		b.Start = 500 * time.Millisecond
	}
	out := make([]time.Duration, b.Count)
	d := b.Start
	for i := range out {
		out[i] = d
		d *= 2
	}
	return out
}

// ErrUnauthorized is returned when the upstream rejects the configured
// credentials ("HTTP Basic: Access denied" observed on git's stderr).
var ErrUnauthorized = errors.New("repocache: upstream rejected credentials")

// MirrorUpdateError wraps a clone/fetch failure with the upstream's stderr.
type MirrorUpdateError struct {
	Stderr string
}

func (e *MirrorUpdateError) Error() string {
	return fmt.Sprintf("repocache: mirror update failed: %s", e.Stderr)
}

// Options configures a Repo's retry/process behavior.
type Options struct {
	Backoff        Backoff
	ProgressOption string // default "--progress"
	GitProcessWait time.Duration
	WorkDir        string // base working directory; mirrors live at <WorkDir>/git/<path>
	SSLNoVerify    bool   // disable TLS verification for upstream git operations (GIT_SSL_NO_VERIFY)
}

// Repo is a single bare-mirror repository, addressed by its path relative to
// WorkDir/git (e.g. "github.com/org/repo.git").
type Repo struct {
	Path      string
	Directory string // <WorkDir>/git/<Path>
	lockPath  string // Directory + ".lock"
	url       string // upstream clone URL with credentials embedded
	auth      string // credential substring to redact from logged output

	opts Options
	locks *filelock.Manager
	log   *slog.Logger
}

// New constructs a Repo. auth is the credential string embedded in url and
// redacted from any captured process output.
func New(locks *filelock.Manager, log *slog.Logger, opts Options, path, upstream, auth string) (*Repo, error) {
	if opts.ProgressOption == "" {
		opts.ProgressOption = "--progress"
	}
	if opts.GitProcessWait <= 0 {
		opts.GitProcessWait = 2 * time.Second
	}
	dir := filepath.Join(opts.WorkDir, "git", path)
	cloneURL, err := GenerateURL(upstream, path, auth)
	if err != nil {
		return nil, err
	}
	return &Repo{
		Path:      path,
		Directory: dir,
		lockPath:  dir + ".lock",
		url:       cloneURL,
		auth:      auth,
		opts:      opts,
		locks:     locks,
		log:       log,
	}, nil
}

// GenerateURL embeds auth as userinfo in upstream's URL, appending path.
func GenerateURL(upstream, path, auth string) (string, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return "", fmt.Errorf("repocache: invalid upstream URL: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if auth != "" {
		if user, pass, ok := strings.Cut(auth, ":"); ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(auth)
		}
	}
	return u.String(), nil
}

// BundlePaths returns the bundle file and its lock path for a repo path,
// under <WorkDir>/bundles. The repo path must end in ".git".
func BundlePaths(workDir, path string) (bundleFile, bundleLock string) {
	base := strings.TrimSuffix(filepath.Base(path), ".git")
	dir := filepath.Join(workDir, "bundles")
	bundleFile = filepath.Join(dir, base+"_clone.bundle")
	bundleLock = bundleFile + ".lock"
	return bundleFile, bundleLock
}

// WorkDir returns the base working directory mirrors and bundles live
// under, for callers (e.g. internal/uploadpack) that derive sibling paths
// such as the pack cache.
func (r *Repo) WorkDir() string { return r.opts.WorkDir }

// Exists reports whether the bare mirror directory is present.
func (r *Repo) Exists() bool {
	info, err := os.Stat(r.Directory)
	return err == nil && info.IsDir()
}

// Mtime returns the mirror directory's modification time, the LRU staleness
// signal (spec.md §3), or the zero time if it doesn't exist.
func (r *Repo) Mtime() time.Time {
	info, err := os.Stat(r.Directory)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Utime touches the mirror directory's mtime to now.
func (r *Repo) Utime() error {
	now := time.Now()
	return os.Chtimes(r.Directory, now, now)
}

// ReadLock returns a shared-mode lock over this repo's lock file.
func (r *Repo) ReadLock() (*filelock.Lock, error) {
	return r.locks.NewLock(r.lockPath, filelock.Shared)
}

// WriteLock returns an exclusive-mode lock over this repo's lock file.
func (r *Repo) WriteLock() (*filelock.Lock, error) {
	return r.locks.NewLock(r.lockPath, filelock.Exclusive)
}

// RunGit runs `git <args...>` to completion, redacting auth from the
// captured output before it is logged, and translating an upstream
// "HTTP Basic: Access denied" stderr into ErrUnauthorized. It deliberately
// does not tie the child process's lifetime to ctx: on client cancellation
// the command is allowed to run to natural completion so that a held write
// lock is never abandoned mid-mutation (spec.md §4.4/§5) — ctx is only
// consulted to decide what error to return once the process has exited.
func (r *Repo) RunGit(ctx context.Context, dir string, args ...string) (stdout, stderr []byte, err error) {
	start := time.Now()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if startErr := cmd.Start(); startErr != nil {
		return nil, nil, fmt.Errorf("repocache: start git %v: %w", args, startErr)
	}
	done := procutil.Wait(cmd)
	waitErr := <-done

	stdout = redact(outBuf.Bytes(), r.auth)
	stderr = redact(errBuf.Bytes(), r.auth)

	r.log.Debug("git_cmd done",
		"cmd", args,
		"stdout", procutil.TruncateOutput(stdout, 128),
		"stderr", procutil.TruncateOutput(stderr, 128),
		"pid", cmd.Process.Pid,
		"duration", time.Since(start),
	)

	if bytes.Contains(stderr, []byte("HTTP Basic: Access denied")) {
		return stdout, stderr, ErrUnauthorized
	}
	if waitErr != nil {
		return stdout, stderr, fmt.Errorf("repocache: git %v: %w", args, waitErr)
	}
	if ctx.Err() != nil {
		return stdout, stderr, ctx.Err()
	}
	return stdout, stderr, nil
}

// sslArgs returns the leading `-c http.sslVerify=false` args when TLS
// verification is disabled for this repo's upstream operations, so callers
// can prepend them to any clone/fetch invocation.
func (r *Repo) sslArgs() []string {
	if !r.opts.SSLNoVerify {
		return nil
	}
	return []string{"-c", "http.sslVerify=false"}
}

// redact replaces every occurrence of auth in b with its first two bytes
// followed by "<XX>", so credentials never reach logs (spec.md §4.4).
func redact(b []byte, auth string) []byte {
	if auth == "" {
		return b
	}
	mask := auth
	if len(mask) > 2 {
		mask = mask[:2]
	}
	return bytes.ReplaceAll(b, []byte(auth), []byte(mask+"<XX>"))
}

// Fetch updates all refs and tags from upstream, retrying with backoff.
func (r *Repo) Fetch(ctx context.Context) error {
	var lastStderr []byte
	for _, delay := range r.opts.Backoff.delays() {
		args := r.sslArgs()
		args = append(args, "--git-dir", r.Directory,
			"fetch", r.opts.ProgressOption, "--prune", "--force", "--tags",
			r.url, "+refs/*:refs/remotes/origin/*",
		)
		_, stderr, err := r.RunGit(ctx, "", args...)
		if err == nil {
			return r.Utime()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		lastStderr = stderr
		r.log.Warn("fetch failed, trying again", "repo", r.Path, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &MirrorUpdateError{Stderr: string(lastStderr)}
}

// Clone creates the bare mirror, preferring a bundle-seeded clone when one
// exists (spec.md §3's bundle rule: try the bundle first under its shared
// lock, delete it on failure, then fall through to the upstream URL).
func (r *Repo) Clone(ctx context.Context) error {
	bundleFile, bundleLockPath := BundlePaths(r.opts.WorkDir, r.Path)

	var lastStderr []byte
	for _, delay := range r.opts.Backoff.delays() {
		if _, statErr := os.Stat(bundleFile); statErr == nil {
			if ok, err := r.tryBundleClone(ctx, bundleLockPath, bundleFile); err != nil {
				return err
			} else if ok {
				return nil
			}
		}

		if r.Exists() {
			_ = os.RemoveAll(r.Directory)
		}

		args := append(r.sslArgs(), "clone", r.opts.ProgressOption, "--bare", r.url, r.Directory)
		_, stderr, err := r.RunGit(ctx, "", args...)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		lastStderr = stderr
		r.log.Warn("clone failed, trying again", "repo", r.Path, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &MirrorUpdateError{Stderr: string(lastStderr)}
}

func (r *Repo) tryBundleClone(ctx context.Context, bundleLockPath, bundleFile string) (ok bool, err error) {
	bl, err := r.locks.NewLock(bundleLockPath, filelock.Shared)
	if err != nil {
		return false, err
	}
	if err := bl.Acquire(ctx); err != nil {
		return false, err
	}
	defer bl.Release()

	_, _, runErr := r.RunGit(ctx, "", "clone", r.opts.ProgressOption, "--bare", bundleFile, r.Directory)
	if runErr == nil {
		return true, nil
	}
	_ = os.Remove(bundleFile)
	return false, nil
}

// CatFile runs `git cat-file --batch-check --no-buffer`, feeding one OID per
// line, and returns its stdout with auth redacted.
func (r *Repo) CatFile(ctx context.Context, oids []string) ([]byte, error) {
	cmd := exec.Command("git", "cat-file", "--batch-check", "--no-buffer")
	cmd.Dir = r.Directory
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("repocache: cat-file stdin pipe: %w", err)
	}
	var outBuf bytes.Buffer
	cmd.Stdout = &outBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("repocache: start cat-file: %w", err)
	}
	go func() {
		for _, oid := range oids {
			_, _ = stdin.Write([]byte(oid + "\n"))
		}
		_ = stdin.Close()
	}()

	done := procutil.Wait(cmd)
	if err := procutil.EnsureTerminated(cmd, done, "git cat-file", r.opts.GitProcessWait, r.log); err != nil {
		return nil, fmt.Errorf("repocache: cat-file: %w", err)
	}
	return redact(outBuf.Bytes(), r.auth), nil
}

// Contains reports whether the mirror already has every given OID, via
// `git cat-file --batch-check`: any line containing "missing" means no.
func (r *Repo) Contains(ctx context.Context, oids []string) (bool, error) {
	out, err := r.CatFile(ctx, oids)
	if err != nil {
		return false, err
	}
	return !bytes.Contains(out, []byte("missing")), nil
}

// Update ensures the mirror exists and is reasonably fresh, under an
// exclusive lock. If another writer raced ahead of us and already updated
// the mirror (observed via mtime not matching what we saw before acquiring
// the lock), the redundant fetch is skipped.
func (r *Repo) Update(ctx context.Context) error {
	prevMtime := r.Mtime()
	wl, err := r.WriteLock()
	if err != nil {
		return err
	}
	if err := wl.Acquire(ctx); err != nil {
		return err
	}
	defer wl.Release()

	if !r.Exists() {
		if err := r.Clone(ctx); err != nil {
			return err
		}
		return r.Fetch(ctx)
	}
	if prevMtime.Equal(r.Mtime()) {
		return r.Fetch(ctx)
	}
	return nil
}
