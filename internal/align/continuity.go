package align

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"motion-recorder/internal/metrics"
)

// ContinuityMonitor watches raw source counters and reports when two
// consecutive frames are not adjacent. It never changes the stream; it only
// separates "the device skipped frames" from "we moved the offset" in logs.
type ContinuityMonitor struct {
	log     *slog.Logger
	limiter *rate.Limiter
	mGaps   prometheus.Counter

	hasLast bool
	last    uint32
	gaps    atomic.Uint64
	missing atomic.Uint64
}

// NewContinuityMonitor creates a monitor for the named source.
func NewContinuityMonitor(name string, logger *slog.Logger) *ContinuityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContinuityMonitor{
		log:     logger.With("stream", name),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		mGaps:   metrics.ContinuityGaps.WithLabelValues(name),
	}
}

// Observe records a raw counter. It returns false when counter does not
// directly follow the previous one.
func (m *ContinuityMonitor) Observe(counter uint32) bool {
	if !m.hasLast {
		m.hasLast = true
		m.last = counter
		return true
	}
	prev := m.last
	m.last = counter
	if counter == prev+1 {
		return true
	}

	m.gaps.Add(1)
	m.mGaps.Inc()
	delta := int32(counter - prev)
	if delta > 1 {
		m.missing.Add(uint64(delta - 1))
	}
	if m.limiter.Allow() {
		m.log.Warn("continuity: source counter discontinuity",
			"previous", prev,
			"counter", counter,
			"delta", delta,
		)
	}
	return false
}

// Reset forgets the previous counter (source reconnected).
func (m *ContinuityMonitor) Reset() { m.hasLast = false }

// Gaps is the number of discontinuities seen.
func (m *ContinuityMonitor) Gaps() uint64 { return m.gaps.Load() }

// Missing is the total number of counters skipped forward.
func (m *ContinuityMonitor) Missing() uint64 { return m.missing.Load() }
