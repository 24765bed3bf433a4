// Package gitproxy is the outer HTTP dispatcher: it resolves a repo path
// from the request URL, wires internal/repocache, internal/packcache and
// internal/uploadpack together per request, and carries the ambient
// concerns (auth, browser redirection, header-to-log-context enrichment)
// that sit outside the upload-pack core.
package gitproxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"log/slog"

	"github.com/crohr/smart-git-proxy/internal/bundlefetch"
	"github.com/crohr/smart-git-proxy/internal/config"
	"github.com/crohr/smart-git-proxy/internal/fetchrequest"
	"github.com/crohr/smart-git-proxy/internal/filelock"
	"github.com/crohr/smart-git-proxy/internal/gitserve"
	"github.com/crohr/smart-git-proxy/internal/httperr"
	"github.com/crohr/smart-git-proxy/internal/logging"
	"github.com/crohr/smart-git-proxy/internal/metrics"
	"github.com/crohr/smart-git-proxy/internal/packcache"
	"github.com/crohr/smart-git-proxy/internal/repocache"
	"github.com/crohr/smart-git-proxy/internal/semaphore"
	"github.com/crohr/smart-git-proxy/internal/uploadpack"
)

// Kind identifies which git-smart-http endpoint a request targets.
type Kind string

const (
	KindInfo   Kind = "info"
	KindPack   Kind = "pack"
	KindBundle Kind = "bundle"
)

// headerAllowlist is the set of client headers worth carrying into the
// per-request log context for CI job correlation.
var headerAllowlist = []string{
	"X-Ci-Integ-Test",
	"X-Ci-Job-Url",
	"X-Ci-Project-Path",
	"X-Repo-Joburl",
	"X-Forwarded-For",
}

// Server dispatches git-smart-http requests against the C4-C8 pipeline.
type Server struct {
	cfg     *config.Config
	locks   *filelock.Manager
	sema    *semaphore.Bounded
	cleaner *packcache.Cleaner
	log     *slog.Logger
	metrics *metrics.Metrics
	bundles *bundlefetch.Fetcher
}

// New builds a Server. sema and cleaner may be nil to disable the
// concurrency cap and background pack-cache eviction, respectively.
// bundles may be nil (or unconfigured) to disable CDN bundle serving.
func New(cfg *config.Config, locks *filelock.Manager, sema *semaphore.Bounded, cleaner *packcache.Cleaner, log *slog.Logger, m *metrics.Metrics, bundles *bundlefetch.Fetcher) *Server {
	return &Server{cfg: cfg, locks: locks, sema: sema, cleaner: cleaner, log: log, metrics: m, bundles: bundles}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLog := logging.WithFields(s.log, ciContextFields(r.Header)...)

		host, owner, repo, kind, err := s.resolveTarget(r)
		if err != nil {
			reqLog.Debug("resolve target failed", "err", err, "path", r.URL.Path)
			httperr.Write(w, err)
			return
		}
		repoKey := fmt.Sprintf("%s/%s/%s", host, owner, repo)
		reqLog = logging.WithFields(reqLog, "repo", repoKey, "kind", string(kind))

		if redirectBrowsers(w, r, host, owner, repo) {
			return
		}
		if !s.checkAuth(w, r) {
			return
		}

		s.metrics.RequestsTotal.WithLabelValues(repoKey, string(kind), r.RemoteAddr).Inc()

		switch kind {
		case KindInfo:
			s.handleInfoRefs(w, r, reqLog, host, owner, repo, repoKey, start)
		case KindPack:
			s.handleUploadPack(w, r, reqLog, host, owner, repo, repoKey, start)
		case KindBundle:
			s.handleCloneBundle(w, r, reqLog, repo, repoKey)
		default:
			httperr.Write(w, &httperr.BadPathError{Path: r.URL.Path, Reason: "unsupported endpoint"})
		}
	})
}

func ciContextFields(h http.Header) []any {
	var fields []any
	for _, k := range headerAllowlist {
		if v := h.Get(k); v != "" {
			fields = append(fields, "header_"+k, v)
		}
	}
	return fields
}

// redirectBrowsers sends a non-git user agent on to the real upstream
// instead of serving it from the proxy, so a person clicking a repo link
// in their browser lands on the actual host rather than a 400.
func redirectBrowsers(w http.ResponseWriter, r *http.Request, host, owner, repo string) bool {
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	if ua == "" {
		ua = "git"
	}
	if strings.Contains(ua, "git") {
		return false
	}
	target := fmt.Sprintf("https://%s/%s/%s", host, owner, repo)
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
	return true
}

// checkAuth requires a client Authorization header unless auth-mode=none,
// mirroring the original's "force git to send credentials" early challenge.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AuthMode == "none" {
		return true
	}
	if r.Header.Get("Authorization") != "" {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="git-proxy"`)
	http.Error(w, "authorization required", http.StatusUnauthorized)
	return false
}

func (s *Server) resolveAuth(r *http.Request) string {
	switch s.cfg.AuthMode {
	case "static":
		return s.cfg.StaticToken
	case "pass-through":
		auth := r.Header.Get("Authorization")
		for _, prefix := range []string{"Basic ", "Bearer ", "token "} {
			auth = strings.TrimPrefix(auth, prefix)
		}
		return auth
	default:
		return ""
	}
}

func (s *Server) repoOptions() repocache.Options {
	return repocache.Options{
		Backoff:        repocache.Backoff{Start: s.cfg.BackoffStart, Count: s.cfg.BackoffCount},
		GitProcessWait: s.cfg.GitProcessWaitTimeout,
		WorkDir:        s.cfg.WorkingDirectory,
		SSLNoVerify:    s.cfg.GitSSLNoVerify,
	}
}

func (s *Server) openRepo(log *slog.Logger, host, owner, repo, auth string) (*repocache.Repo, string, error) {
	repoPath := path.Join(host, owner, repo) + ".git"
	upstreamURL := fmt.Sprintf("https://%s/%s/%s.git", host, owner, repo)
	rc, err := repocache.New(s.locks, log, s.repoOptions(), repoPath, upstreamURL, auth)
	if err != nil {
		return nil, "", err
	}
	return rc, repoPath, nil
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request, log *slog.Logger, host, owner, repo, repoKey string, start time.Time) {
	service := r.URL.Query().Get("service")
	if service != "git-upload-pack" {
		httperr.Write(w, &httperr.BadPathError{Path: r.URL.Path, Reason: "unsupported service"})
		return
	}

	rc, _, err := s.openRepo(log, host, owner, repo, s.resolveAuth(r))
	if err != nil {
		s.fail(w, log, repoKey, KindInfo, err)
		return
	}

	existed := rc.Exists()
	if err := rc.Update(r.Context()); err != nil {
		outcome := "error"
		if errors.Is(err, repocache.ErrUnauthorized) {
			outcome = "unauthorized"
		}
		s.recordMirrorOutcome(repoKey, existed, outcome)
		s.fail(w, log, repoKey, KindInfo, err)
		return
	}
	s.recordMirrorOutcome(repoKey, existed, "success")

	if err := gitserve.ServeInfoRefs(w, r, rc.Directory); err != nil {
		log.Error("serve info/refs failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindInfo), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindInfo)).Observe(time.Since(start).Seconds())
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request, log *slog.Logger, host, owner, repo, repoKey string, start time.Time) {
	protocolVersion := "1"
	if gp := r.Header.Get("Git-Protocol"); gp != "" {
		if v := gitProtocolVersion(gp); v != "" {
			protocolVersion = v
		}
	}

	body, err := readLimited(w, r, 16<<20)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	var req *fetchrequest.Request
	if protocolVersion == "2" {
		req = fetchrequest.ParseV2(body)
	} else {
		req = fetchrequest.ParseV1(body)
	}

	rc, _, err := s.openRepo(log, host, owner, repo, s.resolveAuth(r))
	if err != nil {
		s.fail(w, log, repoKey, KindPack, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	opts := uploadpack.Options{
		ChunkSize:            s.cfg.ChunkSize,
		AllowMultiWant:       s.cfg.PackCacheMulti,
		AllowDepth:           s.cfg.PackCacheDepth,
		GitProcessWait:       s.cfg.GitProcessWaitTimeout,
		CachedGitProcessWait: 10 * time.Minute,
	}
	h := uploadpack.New(rc, s.locks, s.cleaner, s.sema, w, protocolVersion, opts, log)

	s.metrics.UploadPackInflight.Inc()
	runErr := h.Run(r.Context(), req)
	s.metrics.UploadPackInflight.Dec()
	if s.sema != nil {
		s.metrics.SemaphoreInUse.Set(float64(s.sema.GetValue()))
	}

	switch h.Status() {
	case "hit":
		s.metrics.PackCacheHits.WithLabelValues(repoKey).Inc()
	case "miss":
		s.metrics.PackCachePopulate.WithLabelValues(repoKey).Observe(time.Since(start).Seconds())
	}

	if runErr != nil {
		log.Error("upload-pack failed", "err", runErr, "status", h.Status(), "duration_ms", time.Since(start).Milliseconds())
		s.metrics.ErrorsTotal.WithLabelValues(repoKey, string(KindPack)).Inc()
		return
	}

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindPack), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(repoKey, string(KindPack)).Observe(time.Since(start).Seconds())
}

// handleCloneBundle serves a cached (or freshly downloaded) CDN clone.bundle
// for repo. The bundle file's lock is held exclusively for the whole call;
// repocache's bundle-seeded clone path takes the same lock in shared mode,
// so a download and a local clone from the same file never interleave.
func (s *Server) handleCloneBundle(w http.ResponseWriter, r *http.Request, log *slog.Logger, repo, repoKey string) {
	if !s.bundles.Enabled() {
		httperr.Write(w, &httperr.BadPathError{Path: r.URL.Path, Reason: "clone bundle unavailable"})
		return
	}

	cacheFile, lockPath := repocache.BundlePaths(s.cfg.WorkingDirectory, repo+".git")
	lock, err := s.locks.NewLock(lockPath, filelock.Exclusive)
	if err != nil {
		s.fail(w, log, repoKey, KindBundle, err)
		return
	}
	if err := lock.Acquire(r.Context()); err != nil {
		s.fail(w, log, repoKey, KindBundle, err)
		return
	}
	defer lock.Release()

	err = s.bundles.Serve(r.Context(), w, cacheFile, repo)
	switch {
	case err == nil:
		s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindBundle), "200").Inc()
	case errors.Is(err, bundlefetch.ErrUnavailable):
		// Nothing has been written to w yet at this point: ErrUnavailable is
		// only ever returned before the HEAD/size check commits to a body.
		httperr.Write(w, &httperr.BadPathError{Path: r.URL.Path, Reason: "clone bundle unavailable"})
	default:
		// The body may already be partially streamed; the client just sees a
		// truncated transfer, there's no clean status code left to send.
		log.Warn("clone bundle stream failed", "err", err, "repo", repoKey)
		s.metrics.ErrorsTotal.WithLabelValues(repoKey, string(KindBundle)).Inc()
	}
}

func (s *Server) recordMirrorOutcome(repoKey string, existed bool, outcome string) {
	if existed {
		s.metrics.MirrorFetchTotal.WithLabelValues(repoKey, outcome).Inc()
	} else {
		s.metrics.MirrorCloneTotal.WithLabelValues(repoKey, outcome).Inc()
	}
}

func (s *Server) fail(w http.ResponseWriter, log *slog.Logger, repo string, kind Kind, err error) {
	s.metrics.ErrorsTotal.WithLabelValues(repo, string(kind)).Inc()
	log.Error("request failed", "err", err, "kind", kind)
	httperr.Write(w, err)
}

// resolveTarget extracts {host}/{owner}/{repo} and the endpoint kind from
// a path shaped "/{host}/{owner}/{repo}/info/refs", "/{host}/{owner}/{repo}
// /git-upload-pack" or "/{host}/{owner}/{repo}/clone.bundle", and checks
// host against the configured allowlist.
func (s *Server) resolveTarget(r *http.Request) (host, owner, repo string, kind Kind, err error) {
	pathStr := strings.TrimPrefix(r.URL.Path, "/")
	if pathStr == "" {
		return "", "", "", "", &httperr.BadPathError{Path: r.URL.Path, Reason: "empty path"}
	}

	u, err := url.Parse("https://placeholder/" + pathStr)
	if err != nil {
		return "", "", "", "", &httperr.BadPathError{Path: r.URL.Path, Reason: "invalid path"}
	}

	switch {
	case strings.HasSuffix(u.Path, "/info/refs"):
		kind = KindInfo
	case strings.HasSuffix(u.Path, "/git-upload-pack"):
		kind = KindPack
	case strings.HasSuffix(u.Path, "/clone.bundle"):
		kind = KindBundle
	default:
		return "", "", "", "", &httperr.BadPathError{Path: u.Path, Reason: "unsupported endpoint"}
	}

	repoPath := strings.TrimPrefix(u.Path, "/")
	repoPath = strings.TrimSuffix(repoPath, "/info/refs")
	repoPath = strings.TrimSuffix(repoPath, "/git-upload-pack")
	repoPath = strings.TrimSuffix(repoPath, "/clone.bundle")
	repoPath = strings.TrimSuffix(repoPath, ".git")

	parts := strings.SplitN(repoPath, "/", 3)
	if len(parts) < 3 {
		return "", "", "", "", &httperr.BadPathError{Path: u.Path, Reason: "expected /{host}/{owner}/{repo}/..."}
	}
	host, owner, repo = parts[0], parts[1], parts[2]
	if strings.Contains(host, "..") || strings.Contains(owner, "..") || strings.Contains(repo, "..") {
		return "", "", "", "", &httperr.BadPathError{Path: u.Path, Reason: "path traversal"}
	}
	if strings.Contains(repo, "/") {
		repo = path.Base(repo)
	}

	allowed := false
	for _, h := range s.cfg.AllowedUpstreams {
		if h == host {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", "", "", "", &httperr.BadPathError{Path: u.Path, Reason: fmt.Sprintf("upstream %q not in allowed list", host)}
	}

	return host, owner, repo, kind, nil
}

func gitProtocolVersion(header string) string {
	const prefix = "version="
	for _, part := range strings.Split(header, ":") {
		if strings.HasPrefix(part, prefix) {
			return strings.TrimPrefix(part, prefix)
		}
	}
	return ""
}

func readLimited(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	lr := http.MaxBytesReader(w, r.Body, max)
	return io.ReadAll(lr)
}
