// Package syncest suggests the offset that lines an auxiliary frame stream
// up with a reference stream.
package syncest

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"motion-recorder/internal/metrics"
)

// =============================================================================
// OFFSET ESTIMATION
// =============================================================================
//
// Both sources stamp frames with their own counter and run at known rates.
// Arrival time is the only shared clock:
//
//   ref(t)    = refCounter  + (t - refArrival) × refRate     (extrapolated)
//   target(t) = ref(t) × auxRate / refRate                   (in aux units)
//   sample    = target(auxArrival) - auxCounter
//
// sample is the offset that would map the aux frame onto the reference
// timeline right now. Network jitter makes single samples noisy, so the
// suggestion is an EMA:
//
//   est = α × sample + (1-α) × est        (first sample initialises est)
//
// Counters are unwrapped to int64 per source so a 2^32 wrap is a +1 step,
// not a jump of -4 billion.
//
// Observations come from the two ingest goroutines (short mutex). The
// estimate is computed and published by Run's own goroutine through an
// atomic pointer, and optionally written into the aux aligner's offset.
// =============================================================================

// OffsetSetter is the part of an aligner the estimator drives.
type OffsetSetter interface {
	SetOffset(int32)
	Offset() int32
}

// Estimate is the latest suggestion.
type Estimate struct {
	Offset  int32     // rounded suggestion
	Raw     float64   // EMA value
	Samples uint64    // samples folded into the EMA
	Updated time.Time // zero until the first sample
}

// Config configures an Estimator.
type Config struct {
	Name    string  // aux stream name, labels logs and metrics
	RefRate float64 // reference frames per second
	AuxRate float64 // aux frames per second
	// Alpha is the EMA weight of a new sample (default 0.05).
	Alpha float64
	// Interval between estimates (default 200ms).
	Interval time.Duration
	// Apply, when set, receives the suggestion whenever it moves at least
	// Deadband frames away from the applied offset.
	Apply    OffsetSetter
	Deadband int32
	Logger   *slog.Logger
}

type track struct {
	has     bool
	raw     uint32
	counter int64
	at      time.Time
}

func (t *track) observe(at time.Time, counter uint32) {
	if !t.has {
		t.has = true
		t.counter = int64(counter)
	} else {
		t.counter += int64(int32(counter - t.raw))
	}
	t.raw = counter
	t.at = at
}

// Estimator is safe for concurrent use.
type Estimator struct {
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	ref track
	aux track
	// consumed marks the aux observation already folded into the EMA.
	consumed time.Time

	est     float64
	samples uint64

	latest  atomic.Pointer[Estimate]
	mOffset prometheus.Gauge
}

// New creates an estimator.
func New(cfg Config) *Estimator {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.05
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Deadband <= 0 {
		cfg.Deadband = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Estimator{
		cfg:     cfg,
		log:     cfg.Logger.With("stream", cfg.Name),
		mOffset: metrics.SuggestedOffset.WithLabelValues(cfg.Name),
	}
	e.latest.Store(&Estimate{})
	return e
}

// ObserveReference records a reference frame's raw counter and arrival.
func (e *Estimator) ObserveReference(at time.Time, counter uint32) {
	e.mu.Lock()
	e.ref.observe(at, counter)
	e.mu.Unlock()
}

// ObserveAux records an aux frame's raw counter and arrival.
func (e *Estimator) ObserveAux(at time.Time, counter uint32) {
	e.mu.Lock()
	e.aux.observe(at, counter)
	e.mu.Unlock()
}

// ResetReference forgets the reference counter (source reconnected).
func (e *Estimator) ResetReference() {
	e.mu.Lock()
	e.ref = track{}
	e.mu.Unlock()
}

// ResetAux forgets the aux counter (source reconnected) and restarts the
// EMA: a restarted counter invalidates the old offset.
func (e *Estimator) ResetAux() {
	e.mu.Lock()
	e.aux = track{}
	e.samples = 0
	e.mu.Unlock()
}

// Latest returns the latest estimate. LOCK-FREE.
func (e *Estimator) Latest() Estimate {
	return *e.latest.Load()
}

// Update folds the newest observations into the estimate. Run calls it on
// every tick; it reports whether a new sample was used.
func (e *Estimator) Update() bool {
	e.mu.Lock()
	if !e.ref.has || !e.aux.has || e.aux.at.Equal(e.consumed) || e.cfg.RefRate <= 0 || e.cfg.AuxRate <= 0 {
		e.mu.Unlock()
		return false
	}
	e.consumed = e.aux.at

	refAt := float64(e.ref.counter) + e.aux.at.Sub(e.ref.at).Seconds()*e.cfg.RefRate
	target := refAt * e.cfg.AuxRate / e.cfg.RefRate
	sample := target - float64(e.aux.counter)

	if e.samples == 0 {
		e.est = sample
	} else {
		e.est = e.cfg.Alpha*sample + (1-e.cfg.Alpha)*e.est
	}
	e.samples++
	est := &Estimate{
		Offset:  clampInt32(math.Round(e.est)),
		Raw:     e.est,
		Samples: e.samples,
		Updated: e.aux.at,
	}
	e.mu.Unlock()

	// Atomic publish
	e.latest.Store(est)
	e.mOffset.Set(float64(est.Offset))
	return true
}

func (e *Estimator) apply() {
	if e.cfg.Apply == nil {
		return
	}
	est := e.Latest()
	if est.Samples == 0 {
		return
	}
	cur := e.cfg.Apply.Offset()
	diff := int64(est.Offset) - int64(cur)
	if diff < 0 {
		diff = -diff
	}
	if diff >= int64(e.cfg.Deadband) {
		e.log.Debug("syncest: applying offset", "from", cur, "to", est.Offset, "samples", est.Samples)
		e.cfg.Apply.SetOffset(est.Offset)
	}
}

// Run estimates on a ticker until ctx ends.
func (e *Estimator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.Update() {
				e.apply()
			}
		}
	}
}

func clampInt32(v float64) int32 {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
