// Package metrics keeps the process-wide proxy counters. Every counter is
// held twice: an atomic value backing the JSON /metrics snapshot, and a
// Prometheus collector for scrape-based monitoring.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Atomic snapshot counters (low-cardinality, read by /metrics).
var (
	requests         atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	upstreamErrors   atomic.Int64
	totalLatencyMs   atomic.Int64
	headlessRequests atomic.Int64
	headlessFailures atomic.Int64
	headlessActive   atomic.Int64
)

// Prometheus mirrors.
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerthrough_requests_total",
			Help: "Total proxy responses by method, status and cache result",
		},
		[]string{"method", "status", "cache"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powerthrough_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "cache"},
	)
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_cache_hits_total",
		Help: "Total cache hits served without contacting the upstream",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_cache_misses_total",
		Help: "Total cacheable requests that missed the cache",
	})
	upstreamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_upstream_errors_total",
		Help: "Total upstream network failures and 5xx responses",
	})
	headlessRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_headless_requests_total",
		Help: "Total requests dispatched to the headless renderer",
	})
	headlessFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_headless_failures_total",
		Help: "Total headless renders that ended in an error",
	})
	headlessActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerthrough_headless_active",
		Help: "Currently running headless renders",
	})
	safezoneConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerthrough_safezone_connections",
		Help: "Currently open safezone WebSocket connections",
	})
	safezoneFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerthrough_safezone_frames_total",
			Help: "Total safezone frames by type and direction",
		},
		[]string{"type", "direction"},
	)
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerthrough_queue_depth",
		Help: "Current admission queue depth (waiting only)",
	})
	queueRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_queue_rejected_total",
		Help: "Total requests rejected due to full admission queue",
	})
	queueTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powerthrough_queue_timeouts_total",
		Help: "Total requests that timed out while waiting for admission",
	})
	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "powerthrough_queue_wait_seconds",
		Help:    "Observed time spent waiting for admission",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		cacheHitsTotal,
		cacheMissesTotal,
		upstreamErrorsTotal,
		headlessRequestsTotal,
		headlessFailuresTotal,
		headlessActiveGauge,
		safezoneConnections,
		safezoneFramesTotal,
		queueDepth,
		queueRejected,
		queueTimeouts,
		queueWait,
	)
}

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	Requests         int64 `json:"requests"`
	CacheHits        int64 `json:"cacheHits"`
	CacheMisses      int64 `json:"cacheMisses"`
	UpstreamErrors   int64 `json:"upstreamErrors"`
	TotalLatencyMs   int64 `json:"totalLatencyMs"`
	HeadlessRequests int64 `json:"headlessRequests"`
	HeadlessFailures int64 `json:"headlessFailures"`
	HeadlessActive   int64 `json:"headlessActive"`
}

// Read returns a monotonic snapshot of the counters. Values may lag a
// concurrent update; readers only require monotonicity.
func Read() Snapshot {
	return Snapshot{
		Requests:         requests.Load(),
		CacheHits:        cacheHits.Load(),
		CacheMisses:      cacheMisses.Load(),
		UpstreamErrors:   upstreamErrors.Load(),
		TotalLatencyMs:   totalLatencyMs.Load(),
		HeadlessRequests: headlessRequests.Load(),
		HeadlessFailures: headlessFailures.Load(),
		HeadlessActive:   headlessActive.Load(),
	}
}

// ---- request helpers ----

func ObserveRequest(method string, status int, cache string, dur time.Duration) {
	if cache == "" {
		cache = "BYPASS"
	}
	requests.Add(1)
	totalLatencyMs.Add(dur.Milliseconds())
	requestsTotal.WithLabelValues(method, strconv.Itoa(status), cache).Inc()
	requestDuration.WithLabelValues(method, cache).Observe(dur.Seconds())
}

func CacheHitInc() {
	cacheHits.Add(1)
	cacheHitsTotal.Inc()
}

func CacheMissInc() {
	cacheMisses.Add(1)
	cacheMissesTotal.Inc()
}

func UpstreamErrorInc() {
	upstreamErrors.Add(1)
	upstreamErrorsTotal.Inc()
}

// ---- headless helpers ----

func HeadlessRequestInc() {
	headlessRequests.Add(1)
	headlessRequestsTotal.Inc()
}

func HeadlessFailureInc() {
	headlessFailures.Add(1)
	headlessFailuresTotal.Inc()
}

// HeadlessActiveSet publishes the current render gauge. The admission
// decision itself lives in the headless package.
func HeadlessActiveSet(n int64) {
	headlessActive.Store(n)
	headlessActiveGauge.Set(float64(n))
}

// ---- safezone helpers ----

func SafezoneConnInc() { safezoneConnections.Inc() }
func SafezoneConnDec() { safezoneConnections.Dec() }

func SafezoneFrameIn(frameType string)  { safezoneFramesTotal.WithLabelValues(frameType, "in").Inc() }
func SafezoneFrameOut(frameType string) { safezoneFramesTotal.WithLabelValues(frameType, "out").Inc() }

// ---- admission queue helpers ----

func QueueRejectedInc()                { queueRejected.Inc() }
func QueueTimeoutsInc()                { queueTimeouts.Inc() }
func QueueWaitObserve(d time.Duration) { queueWait.Observe(d.Seconds()) }
func QueueDepthSet(depth int64)        { queueDepth.Set(float64(depth)) }
