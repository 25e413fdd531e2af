package ratelimit

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics contains scheduler counters for monitoring.
type Metrics struct {
	Dispatched    int64         `json:"dispatched"`
	Failed        int64         `json:"failed"`
	ThrottleCount int64         `json:"throttle_count"`
	WaitTimeTotal time.Duration `json:"wait_time_total"`
	CollectedAt   time.Time     `json:"collected_at"`
}

// String returns a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("RateLimitMetrics{dispatched=%d, failed=%d, throttled=%d, waited=%s}",
		m.Dispatched, m.Failed, m.ThrottleCount, m.WaitTimeTotal)
}

// MetricsCollector aggregates scheduler events for the current process.
type MetricsCollector struct {
	dispatched    atomic.Int64
	failed        atomic.Int64
	throttleCount atomic.Int64
	waitTimeNs    atomic.Int64
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordThrottle records one denied acquisition and the wait that followed.
func (m *MetricsCollector) RecordThrottle(wait time.Duration) {
	m.throttleCount.Add(1)
	m.waitTimeNs.Add(int64(wait))
}

// RecordDispatch records a request that ran under a permit.
func (m *MetricsCollector) RecordDispatch(err error) {
	m.dispatched.Add(1)
	if err != nil {
		m.failed.Add(1)
	}
}

// Snapshot returns the current counters.
func (m *MetricsCollector) Snapshot() Metrics {
	return Metrics{
		Dispatched:    m.dispatched.Load(),
		Failed:        m.failed.Load(),
		ThrottleCount: m.throttleCount.Load(),
		WaitTimeTotal: time.Duration(m.waitTimeNs.Load()),
		CollectedAt:   time.Now(),
	}
}
