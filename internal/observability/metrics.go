package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	queueDepth    *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	rejectTotal   *prometheus.CounterVec
	agedTotal     prometheus.Counter
	cancelTotal   prometheus.Counter

	breakerState       *prometheus.GaugeVec
	breakerTripsTotal  *prometheus.CounterVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	cacheEntries     prometheus.Gauge

	nodeCount       prometheus.Gauge
	poolUtilization prometheus.Gauge
	scaleEvents     *prometheus.CounterVec
	nodeDrains      prometheus.Counter

	invocationTotal    *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	retryTotal         *prometheus.CounterVec
	degradedTotal      *prometheus.CounterVec
	batchSize          prometheus.Histogram

	memoryGateClosed prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "dispatch_queue_depth",
					Help: "Current dispatch queue depth by priority level.",
				},
				[]string{"priority"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_enqueue_total",
					Help: "Total accepted enqueue operations by priority.",
				},
				[]string{"priority"},
			),
			rejectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_reject_total",
					Help: "Total rejected submissions by reason.",
				},
				[]string{"reason"},
			),
			agedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "dispatch_aged_promotions_total",
					Help: "Total aging promotions applied to waiting requests.",
				},
			),
			cancelTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "dispatch_cancellations_total",
					Help: "Total requests cancelled before dispatch.",
				},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "breaker_state",
					Help: "Circuit breaker state by target (0 closed, 1 open, 2 half-open).",
				},
				[]string{"target"},
			),
			breakerTripsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "breaker_trips_total",
					Help: "Total breaker open transitions by target.",
				},
				[]string{"target"},
			),
			cacheHitsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_hits_total",
					Help: "Total cache hits by tool.",
				},
				[]string{"tool"},
			),
			cacheMissesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_misses_total",
					Help: "Total cache misses by tool.",
				},
				[]string{"tool"},
			),
			cacheEvictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_evictions_total",
					Help: "Total cache evictions by strategy.",
				},
				[]string{"strategy"},
			),
			cacheEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cache_entries",
					Help: "Current number of live cache entries.",
				},
			),
			nodeCount: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "worker_nodes",
					Help: "Current worker node count.",
				},
			),
			poolUtilization: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "worker_pool_utilization",
					Help: "Aggregate pool utilization fraction (load / capacity).",
				},
			),
			scaleEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autoscale_events_total",
					Help: "Total autoscale events by direction.",
				},
				[]string{"direction"},
			),
			nodeDrains: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "node_drains_total",
					Help: "Total node drains completed before removal.",
				},
			),
			invocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocation_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			invocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_retry_total",
					Help: "Total engine-initiated retries by tool.",
				},
				[]string{"tool"},
			),
			degradedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_degraded_total",
					Help: "Total degraded (stale fallback) results served by tool.",
				},
				[]string{"tool"},
			),
			batchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "coalescer_batch_size",
					Help:    "Coalesced batch sizes.",
					Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
				},
			),
			memoryGateClosed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "resource_gate_closed",
					Help: "Resource monitor gate state (1 refusing work, 0 accepting).",
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.rejectTotal,
			m.agedTotal,
			m.cancelTotal,
			m.breakerState,
			m.breakerTripsTotal,
			m.cacheHitsTotal,
			m.cacheMissesTotal,
			m.cacheEvictions,
			m.cacheEntries,
			m.nodeCount,
			m.poolUtilization,
			m.scaleEvents,
			m.nodeDrains,
			m.invocationTotal,
			m.invocationDuration,
			m.retryTotal,
			m.degradedTotal,
			m.batchSize,
			m.memoryGateClosed,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEnqueue(priority string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(priority).Inc()
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func SetQueueDepth(priority string, depth int) {
	getMetrics().queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func RecordRejection(reason string) {
	getMetrics().rejectTotal.WithLabelValues(reason).Inc()
}

func RecordAgingPromotion() {
	getMetrics().agedTotal.Inc()
}

func RecordCancellation() {
	getMetrics().cancelTotal.Inc()
}

func SetBreakerState(target string, state int) {
	getMetrics().breakerState.WithLabelValues(target).Set(float64(state))
}

func RecordBreakerTrip(target string) {
	getMetrics().breakerTripsTotal.WithLabelValues(target).Inc()
}

func RecordCacheHit(tool string) {
	getMetrics().cacheHitsTotal.WithLabelValues(tool).Inc()
}

func RecordCacheMiss(tool string) {
	getMetrics().cacheMissesTotal.WithLabelValues(tool).Inc()
}

func RecordCacheEviction(strategy string) {
	getMetrics().cacheEvictions.WithLabelValues(strategy).Inc()
}

func SetCacheEntries(count int) {
	getMetrics().cacheEntries.Set(float64(count))
}

func SetNodeCount(count int) {
	getMetrics().nodeCount.Set(float64(count))
}

func SetPoolUtilization(fraction float64) {
	getMetrics().poolUtilization.Set(fraction)
}

func RecordScaleEvent(direction string) {
	getMetrics().scaleEvents.WithLabelValues(direction).Inc()
}

func RecordNodeDrain() {
	getMetrics().nodeDrains.Inc()
}

func RecordInvocation(tool string, duration time.Duration, status string) {
	m := getMetrics()
	m.invocationTotal.WithLabelValues(tool, status).Inc()
	m.invocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordRetry(tool string) {
	getMetrics().retryTotal.WithLabelValues(tool).Inc()
}

func RecordDegraded(tool string) {
	getMetrics().degradedTotal.WithLabelValues(tool).Inc()
}

func RecordBatch(size int) {
	getMetrics().batchSize.Observe(float64(size))
}

func SetResourceGate(closed bool) {
	v := 0.0
	if closed {
		v = 1.0
	}
	getMetrics().memoryGateClosed.Set(v)
}
