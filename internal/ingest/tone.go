package ingest

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// BlockSink accepts one interleaved audio block as a unit.
type BlockSink interface {
	SubmitAll(samples ...float32) bool
}

// Tone is a synthetic audio producer: a sine on every channel, pushed in
// fixed-size blocks at the configured sample rate. It stands in for the
// audio device callback.
type Tone struct {
	sink       BlockSink
	sampleRate int
	channels   int
	frames     int
	freq       float64
	amp        float32

	phase   float64
	block   []float32
	blocks  atomic.Uint64
	dropped atomic.Uint64
}

// NewTone creates a tone producer writing blocks of `frames` sample frames.
func NewTone(sink BlockSink, sampleRate, channels, frames int, freq float64) *Tone {
	return &Tone{
		sink:       sink,
		sampleRate: sampleRate,
		channels:   channels,
		frames:     frames,
		freq:       freq,
		amp:        0.25,
		block:      make([]float32, frames*channels),
	}
}

// Next fills and returns the next block. The slice is reused.
func (t *Tone) Next() []float32 {
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)
	for i := 0; i < t.frames; i++ {
		v := t.amp * float32(math.Sin(t.phase))
		for ch := 0; ch < t.channels; ch++ {
			t.block[i*t.channels+ch] = v
		}
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return t.block
}

// Run produces blocks in real time until ctx ends. Blocks that do not fit
// are dropped whole, exactly like a device callback would.
func (t *Tone) Run(ctx context.Context) error {
	period := time.Duration(float64(time.Second) * float64(t.frames) / float64(t.sampleRate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	var produced uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			// Catch up after scheduler stalls so the stream keeps its rate.
			due := uint64(now.Sub(start) / period)
			for ; produced < due; produced++ {
				if t.sink.SubmitAll(t.Next()...) {
					t.blocks.Add(1)
				} else {
					t.dropped.Add(1)
				}
			}
		}
	}
}

// Blocks is the number of blocks accepted by the sink.
func (t *Tone) Blocks() uint64 { return t.blocks.Load() }

// Dropped is the number of blocks the sink rejected.
func (t *Tone) Dropped() uint64 { return t.dropped.Load() }
