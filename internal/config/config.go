// Package config loads smart-git-proxy's runtime configuration from flags
// and environment variables into one explicitly-constructed Config value.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob the proxy needs, resolved once at startup.
type Config struct {
	ListenAddr string

	WorkingDirectory string // bare mirrors live at <WorkingDirectory>/git, bundles at <WorkingDirectory>/bundles, pack cache at <WorkingDirectory>/pack_cache

	MaxGitUploadPack int // concurrent git-upload-pack children allowed, capped at NumCPU; 0 means NumCPU

	PackCacheSizeGB int  // pack cache eviction budget, in gigabytes
	PackCacheMulti  bool // relax CanBeCached to allow more than one want
	PackCacheDepth  bool // relax CanBeCached to allow a shallow (deepen) request

	GitProcessWaitTimeout time.Duration // grace period before escalating to terminate/kill
	BackoffStart          time.Duration
	BackoffCount          int
	ChunkSize             int // bytes per read when streaming an uncached upload-pack response

	GitSSLNoVerify bool

	AllowedUpstreams []string
	LogLevel         string
	AuthMode         string
	StaticToken      string
	MetricsPath      string
	HealthPath       string

	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string

	CDNBundleURLTemplate string        // e.g. "https://storage.googleapis.com/gerritcodereview/android_%s_clone.bundle"; empty disables clone.bundle serving
	CDNBundleTimeout     time.Duration // HTTP client timeout for CDN bundle HEAD/GET requests
	UserAgent            string
}

// Load resolves configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with an explicit argument list, for testing.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("smart-git-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.WorkingDirectory, "working-directory", envOrDefault("WORKING_DIRECTORY", "/tmp/workdir"), "base directory for mirrors, bundles, and the pack cache")
	fs.IntVar(&cfg.MaxGitUploadPack, "max-git-upload-pack", envOrDefaultInt("MAX_GIT_UPLOAD_PACK", 0), "max concurrent git-upload-pack children (0 = NumCPU)")
	fs.IntVar(&cfg.PackCacheSizeGB, "pack-cache-size-gb", envOrDefaultInt("PACK_CACHE_SIZE_GB", 20), "pack cache eviction budget, in GB")
	fs.BoolVar(&cfg.PackCacheMulti, "pack-cache-multi", envOrDefaultBool("PACK_CACHE_MULTI", false), "allow caching multi-want requests")
	fs.BoolVar(&cfg.PackCacheDepth, "pack-cache-depth", envOrDefaultBool("PACK_CACHE_DEPTH", false), "allow caching shallow (deepen) requests")
	fs.IntVar(&cfg.BackoffCount, "backoff-count", envOrDefaultInt("BACKOFF_COUNT", 5), "number of clone/fetch retry attempts")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", envOrDefaultInt("CHUNK_SIZE", 32*1024), "bytes per read when streaming an uncached upload-pack response")
	fs.BoolVar(&cfg.GitSSLNoVerify, "git-ssl-no-verify", envOrDefaultBool("GIT_SSL_NO_VERIFY", false), "disable TLS verification for upstream git operations")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.StringVar(&cfg.AuthMode, "auth-mode", envOrDefault("AUTH_MODE", "pass-through"), "auth mode: pass-through|static|none (for upstream sync)")
	fs.StringVar(&cfg.StaticToken, "static-token", envOrDefault("STATIC_TOKEN", ""), "static token used when auth-mode=static")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for registration and health heartbeat")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for DNS registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name (e.g., git-proxy.example.com)")
	fs.StringVar(&cfg.CDNBundleURLTemplate, "cdn-bundle-url-template", envOrDefault("CDN_BUNDLE_URL_TEMPLATE", ""), "printf template (one %s for the repo name) for a CDN-hosted clone.bundle source; empty disables clone.bundle serving")
	fs.StringVar(&cfg.UserAgent, "user-agent", envOrDefault("USER_AGENT", "smart-git-proxy"), "User-Agent sent on CDN bundle requests")

	allowedUpstreamsStr := fs.String("allowed-upstreams", envOrDefault("ALLOWED_UPSTREAMS", "github.com"), "comma-separated list of allowed upstream hosts")
	backoffStartStr := fs.String("backoff-start", envOrDefault("BACKOFF_START", "0.5s"), "initial clone/fetch retry delay")
	gitProcessWaitStr := fs.String("git-process-wait-timeout", envOrDefault("GIT_PROCESS_WAIT_TIMEOUT", "2s"), "grace period before escalating a stuck child process")
	cdnBundleTimeoutStr := fs.String("cdn-bundle-timeout", envOrDefault("CDN_BUNDLE_TIMEOUT", "5m"), "timeout for CDN clone.bundle HEAD/GET requests")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.BackoffStart, err = time.ParseDuration(*backoffStartStr); err != nil {
		return nil, fmt.Errorf("invalid backoff-start: %w", err)
	}
	if cfg.GitProcessWaitTimeout, err = time.ParseDuration(*gitProcessWaitStr); err != nil {
		return nil, fmt.Errorf("invalid git-process-wait-timeout: %w", err)
	}
	if cfg.CDNBundleTimeout, err = time.ParseDuration(*cdnBundleTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid cdn-bundle-timeout: %w", err)
	}

	for _, h := range strings.Split(*allowedUpstreamsStr, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			cfg.AllowedUpstreams = append(cfg.AllowedUpstreams, h)
		}
	}
	if len(cfg.AllowedUpstreams) == 0 {
		return nil, errors.New("at least one allowed upstream is required")
	}

	if err := validateAuth(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateAuth(cfg *Config) error {
	switch cfg.AuthMode {
	case "pass-through", "none":
		return nil
	case "static":
		if cfg.StaticToken == "" {
			return errors.New("auth-mode=static requires STATIC_TOKEN")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth-mode: %s", cfg.AuthMode)
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}
