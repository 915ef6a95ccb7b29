// Package align turns a counter-tagged frame stream into a gap-free,
// strictly increasing one.
package align

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"motion-recorder/internal/metrics"
	"motion-recorder/internal/model"
)

// DefaultMaxJump is the largest gap that is filled with synthesized frames.
// Anything bigger is treated as a corrupt counter.
const DefaultMaxJump = 1000

// LerpFunc interpolates between two payloads, t in (0,1).
type LerpFunc[P any] func(a, b P, t float64) P

// Config configures an Aligner.
type Config[P any] struct {
	Name    string
	Lerp    LerpFunc[P]
	MaxJump int
	Offset  int32
	Logger  *slog.Logger
}

// Stats counts aligner decisions.
type Stats struct {
	Emitted     uint64 // real frames forwarded
	Synthesized uint64 // interpolated frames forwarded
	Dropped     uint64 // frames behind the last accepted counter
	Clamped     uint64 // jumps above MaxJump, forwarded without filling
}

// Aligner is owned by one frame-processing goroutine. SetOffset, Offset and
// Stats may be called from any goroutine.
//
// Per frame:
//
//	effective = raw + offset                   (wrapping uint32)
//	jump      = int32(effective - last) - 1
//
//	jump >  0  → emit jump lerped frames, then the frame
//	jump == 0  → emit the frame
//	jump <  0  → drop
//
// The first frame after New or Reset is always accepted.
type Aligner[P any] struct {
	name    string
	lerp    LerpFunc[P]
	maxJump int32
	offset  atomic.Int32
	log     *slog.Logger

	hasLast     bool
	lastCounter uint32
	lastPayload P
	out         []model.Frame[P]

	emitted     atomic.Uint64
	synthesized atomic.Uint64
	dropped     atomic.Uint64
	clamped     atomic.Uint64

	clampLog *rate.Limiter

	mEmitted     prometheus.Counter
	mSynthesized prometheus.Counter
	mDropped     prometheus.Counter
	mClamped     prometheus.Counter
}

// New creates an aligner. A nil Lerp synthesizes frames by repeating the
// last accepted payload.
func New[P any](cfg Config[P]) *Aligner[P] {
	if cfg.MaxJump <= 0 {
		cfg.MaxJump = DefaultMaxJump
	}
	if cfg.Lerp == nil {
		cfg.Lerp = func(a, _ P, _ float64) P { return a }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aligner[P]{
		name:     cfg.Name,
		lerp:     cfg.Lerp,
		maxJump:  int32(cfg.MaxJump),
		log:      logger.With("stream", cfg.Name),
		out:      make([]model.Frame[P], 0, 8),
		clampLog: rate.NewLimiter(rate.Every(time.Second), 3),

		mEmitted:     metrics.AlignerFrames.WithLabelValues(cfg.Name, metrics.OutcomeEmitted),
		mSynthesized: metrics.AlignerFrames.WithLabelValues(cfg.Name, metrics.OutcomeSynthesized),
		mDropped:     metrics.AlignerFrames.WithLabelValues(cfg.Name, metrics.OutcomeDropped),
		mClamped:     metrics.AlignerFrames.WithLabelValues(cfg.Name, metrics.OutcomeClamped),
	}
	a.offset.Store(cfg.Offset)
	return a
}

// Name returns the stream name.
func (a *Aligner[P]) Name() string { return a.name }

// SetOffset changes the applied offset. It affects frames accepted after
// the store; frames already emitted are not re-aligned.
func (a *Aligner[P]) SetOffset(v int32) {
	if old := a.offset.Swap(v); old != v {
		a.log.Info("aligner: offset changed", "from", old, "to", v)
	}
}

// Offset returns the applied offset.
func (a *Aligner[P]) Offset() int32 { return a.offset.Load() }

// Reset forgets the last accepted frame so the next one is taken as-is.
// Call it when the source reconnects and its counter restarts.
func (a *Aligner[P]) Reset() {
	var zero P
	a.hasLast = false
	a.lastCounter = 0
	a.lastPayload = zero
}

// Accept processes one frame and returns the frames to forward, in order.
// The returned slice is reused by the next call.
func (a *Aligner[P]) Accept(f model.Frame[P]) []model.Frame[P] {
	a.out = a.out[:0]
	eff := f.Counter + uint32(a.offset.Load())

	if !a.hasLast {
		return a.accept(eff, f.Payload)
	}

	jump := int32(eff-a.lastCounter) - 1
	switch {
	case jump < 0:
		a.dropped.Add(1)
		a.mDropped.Inc()
		return a.out

	case jump > a.maxJump:
		a.clamped.Add(1)
		a.mClamped.Inc()
		if a.clampLog.Allow() {
			a.log.Warn("aligner: counter jump above limit, not filling",
				"jump", jump,
				"max_jump", a.maxJump,
				"last", a.lastCounter,
				"counter", eff,
			)
		}

	case jump > 0:
		denom := float64(jump) + 1
		for j := int32(0); j < jump; j++ {
			t := float64(j+1) / denom
			a.out = append(a.out, model.Frame[P]{
				Counter: a.lastCounter + uint32(j) + 1,
				Payload: a.lerp(a.lastPayload, f.Payload, t),
			})
		}
		a.synthesized.Add(uint64(jump))
		a.mSynthesized.Add(float64(jump))
	}

	return a.accept(eff, f.Payload)
}

func (a *Aligner[P]) accept(counter uint32, payload P) []model.Frame[P] {
	a.out = append(a.out, model.Frame[P]{Counter: counter, Payload: payload})
	a.hasLast = true
	a.lastCounter = counter
	a.lastPayload = payload
	a.emitted.Add(1)
	a.mEmitted.Inc()
	return a.out
}

// Stats returns a snapshot of the decision counters.
func (a *Aligner[P]) Stats() Stats {
	return Stats{
		Emitted:     a.emitted.Load(),
		Synthesized: a.synthesized.Load(),
		Dropped:     a.dropped.Load(),
		Clamped:     a.clamped.Load(),
	}
}
