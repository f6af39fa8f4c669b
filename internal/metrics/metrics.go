package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_queue_delivered_total",
			Help: "Total number of recipients delivered successfully",
		},
	)

	bouncedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_queue_bounced_total",
			Help: "Total number of recipients bounced with a permanent failure",
		},
	)

	deferredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_queue_deferred_total",
			Help: "Total number of delivery units rescheduled after a transient failure",
		},
	)

	claimConflictsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_queue_claim_conflicts_total",
			Help: "Total number of claim attempts lost to another worker",
		},
	)

	staleReleasesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_queue_stale_releases_total",
			Help: "Total number of attempt results discarded because the lease expired",
		},
	)

	leasesReapedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_queue_leases_reaped_total",
			Help: "Total number of expired leases made claimable again",
		},
	)

	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_queue_depth",
			Help: "Number of delivery units currently in the store by status",
		},
		[]string{"status"},
	)

	attemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_delivery_attempt_duration_seconds",
			Help:    "Duration of delivery attempts including DNS resolution",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	smtpConnectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_smtp_connect_errors_total",
			Help: "Total number of failed connection attempts to remote hosts",
		},
		[]string{"host"},
	)

	dnsCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_dns_cache_hits_total",
			Help: "Total number of DNS lookups served from cache",
		},
	)

	dnsCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_dns_cache_misses_total",
			Help: "Total number of DNS lookups that went to the wire",
		},
	)
)

// Delivered records successfully delivered recipients
func Delivered(count int) {
	deliveredCounter.Add(float64(count))
}

// Bounced records permanently failed recipients
func Bounced(count int) {
	bouncedCounter.Add(float64(count))
}

// Deferred records one rescheduled delivery unit
func Deferred() {
	deferredCounter.Inc()
}

// ClaimConflict records one lost claim race
func ClaimConflict() {
	claimConflictsCounter.Inc()
}

// StaleRelease records one discarded attempt result
func StaleRelease() {
	staleReleasesCounter.Inc()
}

// LeasesReaped records expired leases made claimable again
func LeasesReaped(count int) {
	leasesReapedCounter.Add(float64(count))
}

// SetQueueDepth publishes queue depth by status
func SetQueueDepth(scheduled, inProgress int) {
	queueDepthGauge.WithLabelValues("scheduled").Set(float64(scheduled))
	queueDepthGauge.WithLabelValues("in_progress").Set(float64(inProgress))
}

// ObserveAttempt records the duration of one delivery attempt
func ObserveAttempt(d time.Duration) {
	attemptDuration.Observe(d.Seconds())
}

// SMTPConnectError records one failed connection to a remote host
func SMTPConnectError(host string) {
	smtpConnectErrors.WithLabelValues(host).Inc()
}

// DNSCacheHit records one DNS lookup served from cache
func DNSCacheHit() {
	dnsCacheHits.Inc()
}

// DNSCacheMiss records one DNS lookup that went to the wire
func DNSCacheMiss() {
	dnsCacheMisses.Inc()
}
