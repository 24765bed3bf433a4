package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	UpstreamBytes   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// PackCacheHits counts cache-hit replays of a cached pack by repo.
	PackCacheHits *prometheus.CounterVec
	// PackCachePopulate times how long it takes to populate the pack
	// cache from a live git-upload-pack child, by repo.
	PackCachePopulate *prometheus.HistogramVec
	// PackCacheBytes tracks the on-disk size of the pack cache directory
	// tree per shard, sampled by the cleaner.
	PackCacheBytes *prometheus.GaugeVec
	// LockWaitSeconds times how long a caller waited to acquire a
	// repo/pack-cache file lock, partitioned by "read" or "write" mode.
	LockWaitSeconds *prometheus.HistogramVec
	// UploadPackInflight is the number of git-upload-pack requests
	// currently being served (cached or not).
	UploadPackInflight prometheus.Gauge
	// SemaphoreInUse is the current number of held
	// git-upload-pack-child semaphore permits.
	SemaphoreInUse prometheus.Gauge
	// MirrorCloneTotal counts full upstream clones by repo and outcome.
	MirrorCloneTotal *prometheus.CounterVec
	// MirrorFetchTotal counts mirror fetches by repo and outcome.
	MirrorFetchTotal *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_cache_hits_total",
			Help: "cache hits by repo and kind",
		}, []string{"repo", "kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_cache_misses_total",
			Help: "cache misses by repo and kind",
		}, []string{"repo", "kind"}),
		UpstreamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_upstream_bytes_total",
			Help: "bytes read from upstream",
		}, []string{"repo", "kind"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smart_git_proxy_upstream_seconds",
			Help:    "latency for upstream calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "kind"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_requests_total",
			Help: "requests received",
		}, []string{"repo", "kind", "source"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_responses_total",
			Help: "responses sent",
		}, []string{"repo", "kind", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_errors_total",
			Help: "errors by repo/kind",
		}, []string{"repo", "kind"}),

		PackCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_pack_cache_hits_total",
			Help: "pack cache hits by repo",
		}, []string{"repo"}),
		PackCachePopulate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smart_git_proxy_pack_cache_populate_seconds",
			Help:    "time to populate the pack cache from a live upload-pack child",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo"}),
		PackCacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smart_git_proxy_pack_cache_bytes",
			Help: "on-disk size of the pack cache, by shard",
		}, []string{"shard"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smart_git_proxy_lock_wait_seconds",
			Help:    "time spent waiting to acquire a file lock",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		UploadPackInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smart_git_proxy_upload_pack_inflight",
			Help: "number of git-upload-pack requests currently being served",
		}),
		SemaphoreInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smart_git_proxy_semaphore_in_use",
			Help: "held git-upload-pack-child semaphore permits",
		}),
		MirrorCloneTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_mirror_clone_total",
			Help: "upstream mirror clones by repo and outcome",
		}, []string{"repo", "outcome"}),
		MirrorFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_git_proxy_mirror_fetch_total",
			Help: "mirror fetches by repo and outcome",
		}, []string{"repo", "outcome"}),
	}

	prometheus.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.UpstreamBytes,
		m.UpstreamLatency,
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ErrorsTotal,
		m.PackCacheHits,
		m.PackCachePopulate,
		m.PackCacheBytes,
		m.LockWaitSeconds,
		m.UploadPackInflight,
		m.SemaphoreInUse,
		m.MirrorCloneTotal,
		m.MirrorFetchTotal,
	)
	return m
}
