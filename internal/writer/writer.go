// Package writer implements an asynchronous, retroactive-capable writer.
//
// A real-time producer hands items to Submit, which never blocks. A
// low-priority consumer calls Drain on a timer; Drain applies at most one
// pending start/stop command and moves everything buffered to the open
// destination, or discards it while idle. Starting a take can rewind the
// data channel so the take begins with items that were already drained.
package writer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"motion-recorder/internal/metrics"
	"motion-recorder/internal/ring"
)

// ErrClosed is returned by Drain after Close.
var ErrClosed = errors.New("writer: closed")

// DefaultControlCapacity leaves room for a few start/stop commands between
// two consumer ticks. In practice at most 1-2 arrive per tick.
const DefaultControlCapacity = 4

// maxDrainPasses bounds one Drain call when the producer keeps refilling
// the channel while we copy out of it. Each pass empties everything that
// was readable when it began, so the cap only leaves behind items pushed
// during the last pass; the next tick picks them up.
const maxDrainPasses = 4

// Destination receives drained items for one take.
type Destination[T any] interface {
	Append(items []T) error
	Close() error
}

// OpenFunc opens the destination named by a StartWrite target.
type OpenFunc[T any] func(target string) (Destination[T], error)

// Config configures a Writer.
type Config[T any] struct {
	// Name labels logs and metrics (e.g. "audio", "tracker").
	Name string
	// Capacity is the number of items the data channel holds. It bounds
	// both the drain backlog and the largest possible rewind.
	Capacity int
	// ControlCapacity is the number of start/stop events that can be
	// pending between two drains. Zero means DefaultControlCapacity.
	ControlCapacity int
	// Open creates destinations. Required.
	Open OpenFunc[T]
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a snapshot of a writer's counters.
type Stats struct {
	Submitted      uint64 // items accepted by Submit
	Overflow       uint64 // items rejected by Submit (data channel full)
	Appended       uint64 // items appended to destinations (UnwrappedWriteCount)
	Discarded      uint64 // items drained while idle
	ControlDropped uint64 // start/stop events rejected (control channel full)
	OpenFailures   uint64
	Rewound        uint64 // items re-exposed by rewinds
	Takes          uint64 // destinations successfully opened
	Recording      bool
}

// Writer is an asynchronous retroactive writer for items of type T.
//
// Roles:
//   - one producer goroutine calls Submit
//   - one control goroutine calls PostStart / PostStop
//   - one consumer goroutine calls Drain (and finally Close)
//
// Stats, UnwrappedWriteCount, Recording and MaxRewind are safe from any
// goroutine.
type Writer[T any] struct {
	name    string
	data    *ring.Channel[T]
	control *ring.Channel[ControlEvent]
	open    OpenFunc[T]
	log     *slog.Logger

	// --- producer-owned ---
	submitted atomic.Uint64
	overflow  atomic.Uint64

	// --- control-owned ---
	controlDropped atomic.Uint64

	// --- consumer-owned (mu serialises Drain and Close) ---
	mu      sync.Mutex
	state   State
	dest    Destination[T]
	target  string
	scratch []T
	closed  bool

	appended     atomic.Uint64
	discarded    atomic.Uint64
	openFailures atomic.Uint64
	rewound      atomic.Uint64
	takes        atomic.Uint64
	recording    atomic.Bool

	reportedOverflow       uint64
	reportedControlDropped uint64
	overflowLog            *rate.Limiter

	mOverflow       prometheus.Counter
	mAppended       prometheus.Counter
	mDiscarded      prometheus.Counter
	mControlDropped prometheus.Counter
	mOpenFailures   prometheus.Counter
	mFill           prometheus.Gauge
}

// New creates an idle writer.
func New[T any](cfg Config[T]) (*Writer[T], error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("writer %s: capacity must be >= 1, got %d", cfg.Name, cfg.Capacity)
	}
	if cfg.Open == nil {
		return nil, fmt.Errorf("writer %s: open func is required", cfg.Name)
	}
	if cfg.ControlCapacity <= 0 {
		cfg.ControlCapacity = DefaultControlCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer[T]{
		name:        cfg.Name,
		data:        ring.New[T](cfg.Capacity),
		control:     ring.New[ControlEvent](cfg.ControlCapacity),
		open:        cfg.Open,
		log:         logger.With("stream", cfg.Name),
		scratch:     make([]T, 0, cfg.Capacity),
		overflowLog: rate.NewLimiter(rate.Every(5*time.Second), 1),

		mOverflow:       metrics.RingOverflow.WithLabelValues(cfg.Name),
		mAppended:       metrics.Appended.WithLabelValues(cfg.Name),
		mDiscarded:      metrics.Discarded.WithLabelValues(cfg.Name),
		mControlDropped: metrics.ControlDropped.WithLabelValues(cfg.Name),
		mOpenFailures:   metrics.OpenFailures.WithLabelValues(cfg.Name),
		mFill:           metrics.RingFill.WithLabelValues(cfg.Name),
	}, nil
}

// Name returns the stream name.
func (w *Writer[T]) Name() string { return w.name }

// ─── PRODUCER SIDE ───

// Submit offers items to the data channel and returns how many were
// accepted. A short count means the channel was full and the tail of items
// was dropped; retrying before the next drain changes nothing.
// Never blocks, never allocates.
func (w *Writer[T]) Submit(items ...T) int {
	var n int
	if len(items) == 1 {
		if w.data.TryPush(items[0]) {
			n = 1
		}
	} else {
		n = w.data.TryPushBatch(items)
	}
	w.submitted.Add(uint64(n))
	if dropped := len(items) - n; dropped > 0 {
		w.overflow.Add(uint64(dropped))
	}
	return n
}

// SubmitAll offers items as one unit: either all are accepted or none.
// Interleaved audio uses it so a block is never split across an overflow.
func (w *Writer[T]) SubmitAll(items ...T) bool {
	if len(items) > w.data.AvailableToWrite() {
		w.overflow.Add(uint64(len(items)))
		return false
	}
	// Free space only grows between the check and the push: we are the
	// sole producer.
	n := w.data.TryPushBatch(items)
	w.submitted.Add(uint64(n))
	return true
}

// ─── CONTROL SIDE ───

// PostStart queues a StartWrite for target that rewinds the data channel by
// rewind items when applied. Returns false if the control channel is full
// (the event is dropped).
func (w *Writer[T]) PostStart(target string, rewind int) bool {
	if rewind < 0 {
		rewind = 0
	}
	return w.post(ControlEvent{Kind: StartWrite, Target: target, Rewind: rewind})
}

// PostStop queues a StopWrite. Returns false if the control channel is full.
func (w *Writer[T]) PostStop() bool {
	return w.post(ControlEvent{Kind: StopWrite})
}

func (w *Writer[T]) post(ev ControlEvent) bool {
	if w.control.TryPush(ev) {
		return true
	}
	w.controlDropped.Add(1)
	return false
}

// ─── CONSUMER SIDE ───

// Drain runs one consumer tick:
//  1. pop at most one control event; StartWrite opens the destination and
//     rewinds the data channel, StopWrite is deferred until step 2 is done
//  2. move every available item to the destination (Writing) or drop it (Idle)
//
// Errors (open or append failures) are returned after the tick completes;
// the writer is left Idle in both cases.
func (w *Writer[T]) Drain() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	w.publishProducerCounters()
	w.mFill.Set(float64(w.data.AvailableToRead()) / float64(w.data.Usable()))

	var errs []error
	stop := false

	if ev, ok := w.control.TryPop(); ok {
		switch ev.Kind {
		case StartWrite:
			if err := w.start(ev); err != nil {
				errs = append(errs, err)
			}
		case StopWrite:
			stop = true
		}
	}

	if err := w.drainData(); err != nil {
		errs = append(errs, err)
	}

	if stop {
		if err := w.stop(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close drains what is buffered into the open destination, closes it and
// marks the writer closed. It waits for an in-flight Drain. Idempotent.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.publishProducerCounters()

	err := w.drainData()
	if w.state == Writing {
		err = errors.Join(err, w.stop())
	}
	return err
}

func (w *Writer[T]) start(ev ControlEvent) error {
	if w.state == Writing {
		w.log.Info("writer: start while writing, rolling over take", "from", w.target, "to", ev.Target)
		if err := w.stop(); err != nil {
			w.log.Warn("writer: closing previous take failed", "error", err)
		}
	}

	dest, err := w.open(ev.Target)
	if err != nil {
		w.openFailures.Add(1)
		w.mOpenFailures.Inc()
		w.log.Error("writer: destination open failed", "target", ev.Target, "error", err)
		return fmt.Errorf("writer %s: open %q: %w", w.name, ev.Target, err)
	}

	applied := w.data.RewindRead(ev.Rewind)
	if applied < ev.Rewind {
		w.log.Warn("writer: rewind clamped to retained history",
			"requested", ev.Rewind,
			"applied", applied,
		)
	}
	w.rewound.Add(uint64(applied))

	w.dest = dest
	w.target = ev.Target
	w.state = Writing
	w.takes.Add(1)
	w.recording.Store(true)

	w.log.Info("writer: recording started", "target", ev.Target, "rewind", applied)
	return nil
}

func (w *Writer[T]) stop() error {
	if w.state != Writing {
		w.log.Debug("writer: stop while idle ignored")
		return nil
	}
	dest, target := w.dest, w.target
	w.dest = nil
	w.target = ""
	w.state = Idle
	w.recording.Store(false)

	if err := dest.Close(); err != nil {
		w.log.Error("writer: destination close failed", "target", target, "error", err)
		return fmt.Errorf("writer %s: close %q: %w", w.name, target, err)
	}
	w.log.Info("writer: recording stopped", "target", target, "written", w.appended.Load())
	return nil
}

func (w *Writer[T]) drainData() error {
	for pass := 0; pass < maxDrainPasses; pass++ {
		w.scratch = w.data.PopBatch(w.scratch[:0])
		n := uint64(len(w.scratch))
		if n == 0 {
			return nil
		}

		if w.state != Writing {
			w.discarded.Add(n)
			w.mDiscarded.Add(float64(n))
			continue
		}

		if err := w.dest.Append(w.scratch); err != nil {
			target := w.target
			w.log.Error("writer: append failed, stopping take", "target", target, "error", err)
			if cerr := w.stop(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return fmt.Errorf("writer %s: append %q: %w", w.name, target, err)
		}
		w.appended.Add(n)
		w.mAppended.Add(float64(n))
	}
	return nil
}

// publishProducerCounters moves producer/control-side counts into metrics
// and logs overflow, throttled.
func (w *Writer[T]) publishProducerCounters() {
	if total := w.overflow.Load(); total > w.reportedOverflow {
		delta := total - w.reportedOverflow
		w.reportedOverflow = total
		w.mOverflow.Add(float64(delta))
		if w.overflowLog.Allow() {
			w.log.Warn("writer: data channel overflow, items dropped",
				"dropped", delta,
				"total_dropped", total,
			)
		}
	}
	if total := w.controlDropped.Load(); total > w.reportedControlDropped {
		delta := total - w.reportedControlDropped
		w.reportedControlDropped = total
		w.mControlDropped.Add(float64(delta))
		w.log.Warn("writer: control events dropped", "dropped", delta)
	}
}

// ─── OBSERVERS ───

// UnwrappedWriteCount is the total number of items ever appended to any
// destination of this writer. It never wraps and never decreases.
func (w *Writer[T]) UnwrappedWriteCount() uint64 { return w.appended.Load() }

// Recording reports whether the consumer currently holds an open destination.
func (w *Writer[T]) Recording() bool { return w.recording.Load() }

// State mirrors Recording as a State value.
func (w *Writer[T]) State() State {
	if w.recording.Load() {
		return Writing
	}
	return Idle
}

// MaxRewind is the largest rewind the data channel could ever honour.
func (w *Writer[T]) MaxRewind() int { return w.data.Usable() }

// Backlog reports the items waiting for the next drain.
func (w *Writer[T]) Backlog() int { return w.data.AvailableToRead() }

// Stats returns a snapshot of the writer's counters.
func (w *Writer[T]) Stats() Stats {
	return Stats{
		Submitted:      w.submitted.Load(),
		Overflow:       w.overflow.Load(),
		Appended:       w.appended.Load(),
		Discarded:      w.discarded.Load(),
		ControlDropped: w.controlDropped.Load(),
		OpenFailures:   w.openFailures.Load(),
		Rewound:        w.rewound.Load(),
		Takes:          w.takes.Load(),
		Recording:      w.recording.Load(),
	}
}
