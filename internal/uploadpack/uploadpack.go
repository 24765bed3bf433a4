// Package uploadpack implements the upload-pack request handler (C6): it
// ensures the local mirror has everything the client wants, runs
// git-upload-pack against it (optionally through the pack cache), and
// streams the result back to the client.
package uploadpack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crohr/smart-git-proxy/internal/fetchrequest"
	"github.com/crohr/smart-git-proxy/internal/filelock"
	"github.com/crohr/smart-git-proxy/internal/packcache"
	"github.com/crohr/smart-git-proxy/internal/pktline"
	"github.com/crohr/smart-git-proxy/internal/procutil"
	"github.com/crohr/smart-git-proxy/internal/repocache"
	"github.com/crohr/smart-git-proxy/internal/semaphore"
)

// DefaultChunkSize is used when streaming git-upload-pack's output directly
// to the client (the uncached path).
const DefaultChunkSize = 32 * 1024

// Options configures a Handler's caching and process-supervision behavior.
type Options struct {
	ChunkSize            int
	AllowMultiWant       bool
	AllowDepth           bool
	GitProcessWait       time.Duration // uncached upload-pack wait before escalation
	CachedGitProcessWait time.Duration // cached upload-pack wait: the child is shielded so it can finish filling the cache
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.GitProcessWait <= 0 {
		o.GitProcessWait = 2 * time.Second
	}
	if o.CachedGitProcessWait <= 0 {
		o.CachedGitProcessWait = 10 * time.Minute
	}
	return o
}

// Handler runs the upload-pack flow for one fetch request against one repo.
type Handler struct {
	Repo            *repocache.Repo
	Locks           *filelock.Manager
	Cleaner         *packcache.Cleaner
	Sema            *semaphore.Bounded
	Writer          io.Writer
	ProtocolVersion string
	Opts            Options
	Log             *slog.Logger

	status string // "", "hit", "miss", "error" — surfaced to callers for response logging
}

// New builds a Handler. sema may be nil to run without a concurrency cap.
func New(repo *repocache.Repo, locks *filelock.Manager, cleaner *packcache.Cleaner, sema *semaphore.Bounded, w io.Writer, protocolVersion string, opts Options, log *slog.Logger) *Handler {
	return &Handler{
		Repo:            repo,
		Locks:           locks,
		Cleaner:         cleaner,
		Sema:            sema,
		Writer:          w,
		ProtocolVersion: protocolVersion,
		Opts:            opts.withDefaults(),
		Log:             log,
	}
}

// Status reports the outcome of the most recently completed Run, for
// callers that log per-request statistics.
func (h *Handler) Status() string { return h.status }

// Run drives the whole upload-pack flow for a parsed fetch request,
// including writing the result (or a protocol-level error) to Writer.
func (h *Handler) Run(ctx context.Context, req *fetchrequest.Request) error {
	if req.ParseError {
		return h.writePackError(fmt.Sprintf("Wrong upload pack input: %s", truncatedRaw(req)))
	}
	if req.Wants.Size() == 0 {
		h.Log.Warn("request without wants")
		return nil
	}
	if req.CanBeCached(fetchrequest.CacheOptions{AllowMultiWant: h.Opts.AllowMultiWant, AllowDepth: h.Opts.AllowDepth}) {
		return h.runWithCache(ctx, req)
	}
	return h.execute(ctx, req)
}

func truncatedRaw(req *fetchrequest.Request) string {
	raw := req.Raw()
	if len(raw) > 128 {
		raw = raw[:128]
	}
	return string(raw)
}

func (h *Handler) writePackError(msg string) error {
	h.status = "error"
	h.Log.Error("upload pack, sending error to client", "pack_error", msg)
	_, err := h.Writer.Write(pktline.Encode([]byte("ERR "+msg), 0))
	return err
}

// runWithCache implements the double-checked-locking pack-cache lookup: a
// shared-lock read first, then (on miss) an exclusive-lock populate that
// re-checks existence in case a concurrent request raced us to it, then a
// final shared-lock read to serve what is now there.
func (h *Handler) runWithCache(ctx context.Context, req *fetchrequest.Request) error {
	pcache, err := packcache.Open(h.Locks, h.Log, h.Repo.WorkDir(), req.Fingerprint)
	if err != nil {
		return err
	}

	if served, err := h.tryServeFromCache(ctx, pcache); err != nil {
		return err
	} else if served {
		return nil
	}

	wl, err := pcache.WriteLock()
	if err != nil {
		return err
	}
	if err := wl.Acquire(ctx); err != nil {
		return err
	}
	if !pcache.Exists() {
		if err := h.execute(ctx, req, pcache); err != nil {
			wl.Release()
			return err
		}
	}
	wl.Release()

	if served, err := h.tryServeFromCache(ctx, pcache); err != nil {
		return err
	} else if served {
		if h.Cleaner != nil {
			go func() { _, _ = h.Cleaner.Clean() }()
		}
		return nil
	}

	if h.status != "error" {
		return fmt.Errorf("uploadpack: run with cache failed for fingerprint %s", req.Fingerprint)
	}
	return nil
}

func (h *Handler) tryServeFromCache(ctx context.Context, pcache *packcache.Cache) (bool, error) {
	rl, err := pcache.ReadLock()
	if err != nil {
		return false, err
	}
	if err := rl.Acquire(ctx); err != nil {
		return false, err
	}
	defer rl.Release()

	if !pcache.Exists() {
		return false, nil
	}
	if err := pcache.Serve(h.Writer); err != nil {
		return false, err
	}
	h.status = "hit"
	if !pcache.Hit {
		h.status = "miss"
	}
	return true, nil
}

// execute ensures the mirror has everything the request wants and then runs
// upload-pack, optionally populating pcache instead of streaming directly
// (pcache is variadic only so runWithCache and the uncached Run path share
// one implementation).
func (h *Handler) execute(ctx context.Context, req *fetchrequest.Request, pcache ...*packcache.Cache) error {
	if err := h.ensureWantsAvailable(ctx, req); err != nil {
		return err
	}

	rl, err := h.Repo.ReadLock()
	if err != nil {
		return err
	}
	if err := rl.Acquire(ctx); err != nil {
		return err
	}
	defer rl.Release()

	if !h.Repo.Exists() {
		return nil
	}

	if h.Sema != nil {
		if err := h.Sema.Acquire(ctx); err != nil {
			return err
		}
		defer h.Sema.Release()
	}

	var target *packcache.Cache
	if len(pcache) > 0 {
		target = pcache[0]
	}
	return h.doUploadPack(ctx, req, target)
}

func (h *Handler) ensureWantsAvailable(ctx context.Context, req *fetchrequest.Request) error {
	wants := req.Wants.Slice()
	if !h.Repo.Exists() {
		h.Log.Debug("mirror nonexistent, cloning", "repo", h.Repo.Path)
		return h.Repo.Update(ctx)
	}

	missing := true
	rl, err := h.Repo.ReadLock()
	if err != nil {
		return err
	}
	if err := rl.Acquire(ctx); err != nil {
		return err
	}
	has, err := h.Repo.Contains(ctx, wants)
	rl.Release()
	if err != nil {
		return err
	}
	missing = !has

	if missing {
		h.Log.Debug("not our refs, fetching", "repo", h.Repo.Path)
		return h.Repo.Update(ctx)
	}
	return nil
}

// doUploadPack spawns git-upload-pack against the mirror and concurrently
// feeds it the raw request body while draining its output, either into
// pcache (caching path) or directly to Writer in chunks (uncached path).
// Like repocache.RunGit, the child is never tied to ctx: on client
// disconnect the in-flight process is allowed to finish so a cache
// population already underway is not abandoned mid-write.
func (h *Handler) doUploadPack(ctx context.Context, req *fetchrequest.Request, pcache *packcache.Cache) error {
	cmd := exec.Command("git-upload-pack", "--stateless-rpc", h.Repo.Directory)
	cmd.Env = append(os.Environ(), fmt.Sprintf("GIT_PROTOCOL=version=%s", h.ProtocolVersion))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.Go(func() error { return writeInput(stdin, req.Raw(), h.Log) })
	if pcache != nil {
		g.Go(func() error { return pcache.Populate(pktline.NewChunkReader(stdout)) })
	} else {
		g.Go(func() error { return h.flushToWriter(stdout) })
	}
	runErr := g.Wait()

	done := procutil.Wait(cmd)
	waitTimeout := h.Opts.GitProcessWait
	if pcache != nil {
		waitTimeout = h.Opts.CachedGitProcessWait
	}
	_ = procutil.EnsureTerminated(cmd, done, "git-upload-pack", waitTimeout, h.Log)

	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() != 0 {
		h.status = "error"
		h.Log.Debug("upload pack done", "pid", cmd.Process.Pid, "reason", procutil.TruncateOutput(stderrBuf.Bytes(), 512))
	} else {
		h.Log.Debug("upload pack done", "pid", cmd.Process.Pid)
	}
	return runErr
}

func writeInput(stdin io.WriteCloser, input []byte, log *slog.Logger) error {
	defer stdin.Close()
	_, err := stdin.Write(input)
	if err != nil {
		log.Warn("ignoring error while writing to upload-pack stdin", "error", err)
		return nil
	}
	return nil
}

func (h *Handler) flushToWriter(r io.Reader) error {
	buf := make([]byte, h.Opts.ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Writer.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
