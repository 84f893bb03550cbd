package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelink_paste_created_total",
			Help: "no. of pastes created",
		},
		[]string{"type"},
	)
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelink_paste_retrieved_total",
			Help: "no. of pastes retrieved",
		},
		[]string{"view"},
	)
	PasteExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_paste_expired_total",
		Help: "no. of pastes found expired on read",
	})
	VerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_verify_failures_total",
		Help: "no. of failed password verifications",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_id_collisions_total",
		Help: "no. of generated ids that were already taken",
	})
	RawRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_raw_retries_total",
		Help: "no. of raw lookups retried after a miss",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_cache_misses_total",
		Help: "no. of cache misses",
	})
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_sweep_deleted_total",
		Help: "no. of expired pastes removed by the sweeper",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_sweep_cycles_total",
		Help: "no. of sweeper cycles",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelink_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelink_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelink_seal_operations_total",
			Help: "no. of at-rest seal/open operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastelink_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
