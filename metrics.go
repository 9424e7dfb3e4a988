package regflow

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	MetricOTCIssued MetricID = iota
	MetricOTCCooldown
	MetricOTCDispatchFailed
	MetricOTCVerified
	MetricOTCInvalidCode
	MetricOTCAttemptsExhausted
	MetricOTCExpired
	MetricRateLimitHit
	MetricRateLimitFlagged
	MetricRegistrationCreated
	MetricPaymentInitiated
	MetricPaymentOrderReused
	MetricPaymentSucceeded
	MetricPaymentFailed
	MetricPaymentDuplicate
	MetricPaymentIgnored
	MetricPaymentSuperseded
	MetricInvalidSignature
	MetricStaleTransition
	MetricGatewayUnavailable
	MetricNotifyFailed
	MetricReconcileLatency
	metricIDCount
)

// latencyBounds are the inclusive upper bounds of every bucket but the last,
// which takes everything slower.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const latencyBuckets = len(latencyBounds) + 1

// counterSlot sits on its own cache line; webhook bursts hit the payment
// counters from many goroutines at once.
type counterSlot struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics holds lock-free counters. A nil or disabled Metrics ignores all
// writes, so call sites never branch on configuration.
type Metrics struct {
	enabled   bool
	latency   bool
	counters  [metricIDCount]counterSlot
	reconcile [latencyBuckets]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters. Histogram buckets
// are upper-bounded at 5, 10, 25, 50, 100, 250 and 500ms plus overflow.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	m.counters[id].n.Add(1)
}

// Observe records d against id. Only MetricReconcileLatency carries a
// histogram; other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricReconcileLatency {
		return
	}
	m.reconcile[latencyBucket(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}
	for id := range metricIDCount {
		s.Counters[id] = m.counters[id].n.Load()
	}
	if m.latency {
		buckets := make([]uint64, latencyBuckets)
		for i := range buckets {
			buckets[i] = m.reconcile[i].Load()
		}
		s.Histograms[MetricReconcileLatency] = buckets
	}
	return s
}

// latencyBucket compares whole milliseconds so 5.4ms still lands in the
// first bucket.
func latencyBucket(d time.Duration) int {
	d = d.Truncate(time.Millisecond)
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
