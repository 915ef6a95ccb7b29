// Package session drives several writers as one recording.
//
// A take is started for every stream at once. Each stream is rewound by the
// time elapsed since the start of the current bar, converted to its own
// item rate, so a take requested mid-bar still begins on the downbeat.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoStreams is returned by Start when nothing was added.
	ErrNoStreams = errors.New("session: no streams")
	// ErrRecording is returned by Start while a take is active.
	ErrRecording = errors.New("session: take already active")
	// ErrNotRecording is returned by Stop when no take is active.
	ErrNotRecording = errors.New("session: no active take")
)

// Recorder is the control/consumer surface of a writer.
type Recorder interface {
	PostStart(target string, rewind int) bool
	PostStop() bool
	Drain() error
	Close() error
	UnwrappedWriteCount() uint64
	MaxRewind() int
	Backlog() int
	Recording() bool
}

// StreamOption customises a stream added to the session.
type StreamOption func(*stream)

// WithGranule makes rewinds a multiple of n items. Interleaved audio uses
// its channel count so a take never starts mid-frame.
func WithGranule(n int) StreamOption {
	return func(s *stream) {
		if n > 0 {
			s.granule = n
		}
	}
}

type stream struct {
	name    string
	rec     Recorder
	rate    float64 // units per second
	ext     string
	granule int
	mark    uint64
}

// Take describes one recording across all streams.
type Take struct {
	ID      string       `json:"id"`
	Started time.Time    `json:"started"`
	Stopped time.Time    `json:"stopped,omitempty"`
	Rewind  float64      `json:"rewind_seconds"`
	Streams []TakeStream `json:"streams"`
}

// TakeStream is one stream's part of a take.
type TakeStream struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Rewind    int    `json:"rewind"`
	StartMark uint64 `json:"start_mark"`
	Posted    bool   `json:"posted"`
}

// Config configures a Session.
type Config struct {
	Dir           string
	DrainInterval time.Duration
	Logger        *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session owns the streams of one recorder instance. Start, Stop and
// Progress may be called from any goroutine; Run is the consumer loop.
type Session struct {
	dir      string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	streams []*stream
	take    *Take
}

// New creates an empty session.
func New(cfg Config) *Session {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		dir:      cfg.Dir,
		interval: cfg.DrainInterval,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
}

// Add registers a stream. rate is in rewind units per second (frames for
// tracker streams, sample frames for audio). ext names the file type.
func (s *Session) Add(name string, rec Recorder, rate float64, ext string, opts ...StreamOption) {
	st := &stream{name: name, rec: rec, rate: rate, ext: ext, granule: 1}
	for _, opt := range opts {
		opt(st)
	}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
}

// Start begins a take on every stream, rewinding each to the start of the
// current bar as described by tr.
func (s *Session) Start(tr Transport) (Take, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.streams) == 0 {
		return Take{}, ErrNoStreams
	}
	if s.take != nil {
		return *s.take, ErrRecording
	}

	seconds := tr.SecondsSinceBarStart()
	take := &Take{
		ID:      uuid.NewString(),
		Started: s.now(),
		Rewind:  seconds,
		Streams: make([]TakeStream, 0, len(s.streams)),
	}

	var errs []error
	posted := 0
	for _, st := range s.streams {
		rewind := st.rewind(seconds)
		target := filepath.Join(s.dir, fmt.Sprintf("%s-%s.%s", take.ID, st.name, st.ext))

		st.mark = st.rec.UnwrappedWriteCount()
		ok := st.rec.PostStart(target, rewind)
		if ok {
			posted++
		} else {
			errs = append(errs, fmt.Errorf("session: stream %s: start dropped, control channel full", st.name))
		}
		take.Streams = append(take.Streams, TakeStream{
			Name:      st.name,
			Target:    target,
			Rewind:    rewind,
			StartMark: st.mark,
			Posted:    ok,
		})
	}

	if posted > 0 {
		s.take = take
	}
	s.log.Info("session: take started",
		"take", take.ID,
		"rewind_seconds", seconds,
		"streams", posted,
	)
	return *take, errors.Join(errs...)
}

// rewind converts the time since the bar start into items to re-expose.
// The writer rewinds from its read cursor, and everything still waiting in
// the channel lies between that cursor and the producer, so the backlog is
// already part of the take and is subtracted.
func (st *stream) rewind(seconds float64) int {
	if seconds <= 0 || st.rate <= 0 {
		return 0
	}
	n := int(math.Round(seconds*st.rate))*st.granule - st.rec.Backlog()
	if n <= 0 {
		return 0
	}
	n -= n % st.granule
	if limit := st.rec.MaxRewind(); n > limit {
		n = limit - limit%st.granule
	}
	return n
}

// Stop ends the active take on every stream.
func (s *Session) Stop() (Take, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.take == nil {
		return Take{}, ErrNotRecording
	}

	var errs []error
	for _, st := range s.streams {
		if !st.rec.PostStop() {
			errs = append(errs, fmt.Errorf("session: stream %s: stop dropped, control channel full", st.name))
		}
	}
	if len(errs) > 0 {
		// Keep the take so the caller can retry Stop.
		return *s.take, errors.Join(errs...)
	}

	take := *s.take
	take.Stopped = s.now()
	s.take = nil
	s.log.Info("session: take stopped", "take", take.ID, "duration", take.Stopped.Sub(take.Started))
	return take, nil
}

// Active returns the running take, if any.
func (s *Session) Active() (Take, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.take == nil {
		return Take{}, false
	}
	return *s.take, true
}

// Progress reports, per stream, the items written since the current take
// started. Empty when no take is active.
func (s *Session) Progress() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint64, len(s.streams))
	if s.take == nil {
		return out
	}
	for _, st := range s.streams {
		out[st.name] = st.rec.UnwrappedWriteCount() - st.mark
	}
	return out
}

// DrainAll runs one consumer tick over every stream.
func (s *Session) DrainAll() error {
	s.mu.Lock()
	streams := s.streams
	s.mu.Unlock()

	var errs []error
	for _, st := range streams {
		if err := st.rec.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run is the low-priority consumer: it drains every stream each interval
// until ctx ends, then closes all recorders, flushing open takes.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("session: consumer started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return s.close()
		case <-ticker.C:
			if err := s.DrainAll(); err != nil {
				s.log.Error("session: drain failed", "error", err)
			}
		}
	}
}

func (s *Session) close() error {
	s.mu.Lock()
	streams := s.streams
	s.take = nil
	s.mu.Unlock()

	var errs []error
	for _, st := range streams {
		if err := st.rec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close %s: %w", st.name, err))
		}
	}
	s.log.Info("session: consumer stopped")
	return errors.Join(errs...)
}
