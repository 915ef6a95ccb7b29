// Package ingest connects the recorder to its external producers: device
// bridges streaming counter-tagged frames, the host transport, and
// synthetic or recorded sources.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"motion-recorder/internal/model"
)

const (
	reconnectDelay    = 1 * time.Second
	maxReconnectDelay = 30 * time.Second

	decodeLogBurst = 3
)

// ErrBadFrame marks a message that decoded but is not a usable frame.
var ErrBadFrame = errors.New("ingest: bad frame")

// DecodeFunc turns one websocket message into a frame.
type DecodeFunc[P any] func(data []byte) (model.Frame[P], error)

// SourceConfig configures a Source.
type SourceConfig[P any] struct {
	Name   string
	URL    string
	Decode DecodeFunc[P]
	// Handle runs on the source goroutine for every decoded frame.
	Handle func(model.Frame[P])
	// OnConnect runs after every successful (re)connect, before the first
	// frame. Aligners and continuity monitors reset here.
	OnConnect func()
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
	// ReconnectDelay is the first backoff step (default 1s).
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff (default 30s).
	MaxReconnectDelay time.Duration
}

// Source reads frames from a device bridge websocket and reconnects with
// exponential backoff until its context ends.
type Source[P any] struct {
	cfg       SourceConfig[P]
	log       *slog.Logger
	decodeLog *rate.Limiter

	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	connects     atomic.Uint64
	connected    atomic.Bool
}

// NewSource creates a source. Decode and Handle are required.
func NewSource[P any](cfg SourceConfig[P]) *Source[P] {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = maxReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	return &Source[P]{
		cfg:       cfg,
		log:       cfg.Logger.With("stream", cfg.Name, "url", cfg.URL),
		decodeLog: rate.NewLimiter(rate.Every(time.Second), decodeLogBurst),
	}
}

// Run blocks until ctx ends. It never returns a connection error; those
// are logged and retried.
func (s *Source[P]) Run(ctx context.Context) error {
	if s.cfg.Decode == nil || s.cfg.Handle == nil {
		return fmt.Errorf("ingest %s: decode and handle are required", s.cfg.Name)
	}

	delay := s.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := s.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A connection that lived a while earns a fresh backoff.
		if time.Since(started) > s.cfg.MaxReconnectDelay {
			delay = s.cfg.ReconnectDelay
		}
		s.log.Warn("ingest: connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

func (s *Source[P]) connectAndConsume(ctx context.Context) error {
	c, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// Unblock ReadMessage when the context ends.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	s.connects.Add(1)
	s.connected.Store(true)
	defer s.connected.Store(false)
	s.log.Info("ingest: connected")

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect()
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return err
		}
		f, err := s.cfg.Decode(data)
		if err != nil {
			s.decodeFailed(err)
			continue
		}
		s.frames.Add(1)
		s.cfg.Handle(f)
	}
}

// decodeFailed counts a bad message and logs it, throttled.
func (s *Source[P]) decodeFailed(err error) {
	total := s.decodeErrors.Add(1)
	if s.decodeLog.Allow() {
		s.log.Warn("ingest: undecodable frame", "error", err, "total", total)
	}
}

// Frames is the number of frames handed to Handle.
func (s *Source[P]) Frames() uint64 { return s.frames.Load() }

// DecodeErrors is the number of messages that failed to decode.
func (s *Source[P]) DecodeErrors() uint64 { return s.decodeErrors.Load() }

// Connects is the number of successful connections.
func (s *Source[P]) Connects() uint64 { return s.connects.Load() }

// Connected reports whether a connection is currently open.
func (s *Source[P]) Connected() bool { return s.connected.Load() }
