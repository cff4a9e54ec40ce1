// Package observability registers and updates the Prometheus metrics for
// locator, following the gated-global pattern from the teacher's
// internal/core/observability/metrics.go: collectors are package-level
// vars, guarded by an atomic enabled flag so the Observe*/Inc* helpers are
// safe no-ops when metrics are disabled or Init was never called.
package observability

import (
	"sync/atomic"
	"time"

	xx "github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

// Init registers all collectors against r and flips the enabled flag. Safe
// to call with a nil registerer and isEnabled=false (metrics become no-ops).
func Init(r prometheus.Registerer, isEnabled bool) {
	enabled.Store(isEnabled)
	if !isEnabled || r == nil {
		return
	}
	initCollectors(r)
}

func Enabled() bool { return enabled.Load() }

var (
	locateRequestsTotal     *prometheus.CounterVec
	locateDurationSeconds   *prometheus.HistogramVec
	lbsRequestsTotal        *prometheus.CounterVec
	lbsDurationSeconds      *prometheus.HistogramVec
	lksQuarantineTotal      prometheus.Counter
	lksReactivationTotal    prometheus.Counter
	lksActiveKeysGauge      prometheus.Gauge
	gssFailoverTotal        prometheus.Counter
	gssRecoveryTotal        prometheus.Counter
	gssMasterUnreachable    prometheus.Counter
	cacheOpTotal            *prometheus.CounterVec
	cacheOpDurationSeconds  *prometheus.HistogramVec
	ingestReportsTotal      *prometheus.CounterVec
	ingestBatchDuration     prometheus.Histogram
	ingestTransmittersTotal prometheus.Counter
	coverageCellsGauge      *prometheus.GaugeVec
	httpRequestsTotal       *prometheus.CounterVec
)

func initCollectors(r prometheus.Registerer) {
	locateRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locator_locate_requests_total",
		Help: "Locate requests by outcome (gnss_shortcut, local_hit, lbs_fallback, not_found).",
	}, []string{"outcome"})

	locateDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locator_locate_duration_seconds",
		Help:    "Time to answer a locate request.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"outcome"})

	lbsRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locator_lbs_requests_total",
		Help: "Outbound LBS requests by provider and HTTP status code (or transport_error).",
	}, []string{"provider", "status"})

	lbsDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locator_lbs_duration_seconds",
		Help:    "Outbound LBS request latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"provider"})

	lksQuarantineTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locator_lks_quarantine_total",
		Help: "API keys moved to quarantine.",
	})
	lksReactivationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locator_lks_reactivation_total",
		Help: "API keys reinstated after the hourly probe.",
	})
	lksActiveKeysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locator_lks_active_keys",
		Help: "Number of currently active LBS API keys.",
	})

	gssFailoverTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locator_gss_failover_total",
		Help: "Forced master promotions.",
	})
	gssRecoveryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locator_gss_recovery_total",
		Help: "Former masters rejoined as replicas.",
	})
	gssMasterUnreachable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locator_gss_master_unreachable_total",
		Help: "obtain_connection calls that found no reachable master.",
	})

	cacheOpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locator_cache_op_total",
		Help: "Geospatial cache operations by command and result.",
	}, []string{"cmd", "result"})
	cacheOpDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locator_cache_op_duration_seconds",
		Help:    "Geospatial cache operation latency.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"cmd"})

	ingestReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locator_ingest_reports_total",
		Help: "Reports processed by outcome (ok, skipped_no_position, track_update_failed, coverage_insert_failed).",
	}, []string{"outcome"})
	ingestBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locator_ingest_batch_duration_seconds",
		Help:    "Duration of one batch-ingestion tick.",
		Buckets: prometheus.DefBuckets,
	})
	ingestTransmittersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locator_ingest_transmitters_modified_total",
		Help: "Transmitter records modified by ingestion.",
	})

	coverageCellsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locator_coverage_cell_seen",
		Help: "1 if an h3 coverage cell bucket (short hash) was seen recently.",
	}, []string{"cell_hash"})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locator_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "status"})

	r.MustRegister(
		locateRequestsTotal, locateDurationSeconds,
		lbsRequestsTotal, lbsDurationSeconds,
		lksQuarantineTotal, lksReactivationTotal, lksActiveKeysGauge,
		gssFailoverTotal, gssRecoveryTotal, gssMasterUnreachable,
		cacheOpTotal, cacheOpDurationSeconds,
		ingestReportsTotal, ingestBatchDuration, ingestTransmittersTotal,
		coverageCellsGauge, httpRequestsTotal,
	)
}

func ObserveLocate(outcome string, d time.Duration) {
	if !enabled.Load() {
		return
	}
	locateRequestsTotal.WithLabelValues(outcome).Inc()
	locateDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func ObserveLBS(provider, status string, d time.Duration) {
	if !enabled.Load() {
		return
	}
	lbsRequestsTotal.WithLabelValues(provider, status).Inc()
	lbsDurationSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

func IncLKSQuarantine() {
	if enabled.Load() {
		lksQuarantineTotal.Inc()
	}
}

func IncLKSReactivation() {
	if enabled.Load() {
		lksReactivationTotal.Inc()
	}
}

func SetLKSActiveKeys(n int) {
	if enabled.Load() {
		lksActiveKeysGauge.Set(float64(n))
	}
}

func IncGSSFailover() {
	if enabled.Load() {
		gssFailoverTotal.Inc()
	}
}

func IncGSSRecovery() {
	if enabled.Load() {
		gssRecoveryTotal.Inc()
	}
}

func IncGSSMasterUnreachable() {
	if enabled.Load() {
		gssMasterUnreachable.Inc()
	}
}

func ObserveCacheOp(cmd, result string, d time.Duration) {
	if !enabled.Load() {
		return
	}
	cacheOpTotal.WithLabelValues(cmd, result).Inc()
	cacheOpDurationSeconds.WithLabelValues(cmd).Observe(d.Seconds())
}

func ObserveIngestReport(outcome string) {
	if enabled.Load() {
		ingestReportsTotal.WithLabelValues(outcome).Inc()
	}
}

func ObserveIngestBatch(d time.Duration, transmittersModified int) {
	if !enabled.Load() {
		return
	}
	ingestBatchDuration.Observe(d.Seconds())
	ingestTransmittersTotal.Add(float64(transmittersModified))
}

// ObserveCoverageCell sets a short-hash-bucketed gauge for a coverage cell,
// adapted from the teacher's toShortHash pattern (xxhash of the cell index,
// truncated) to avoid an unbounded label cardinality explosion.
func ObserveCoverageCell(cell uint64) {
	if !enabled.Load() {
		return
	}
	coverageCellsGauge.WithLabelValues(toShortHash(cell)).Set(1)
}

func ObserveHTTP(route, status string) {
	if enabled.Load() {
		httpRequestsTotal.WithLabelValues(route, status).Inc()
	}
}

func toShortHash(cell uint64) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(cell >> (8 * i))
	}
	h := xx.Sum64(buf[:])
	const hex = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = hex[(h>>(60-4*i))&0xf]
	}
	return string(out)
}
