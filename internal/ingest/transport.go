package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"motion-recorder/internal/session"
)

// TransportPoller polls the host's transport endpoint and keeps the latest
// position. Runs off the frame path in its own goroutine; readers get a
// lock-free copy.
//
// Expected response:
//
//	{"bpm":120,"beats_per_bar":4,"position_beats":37.5,"playing":true}
type TransportPoller struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
	errLog   *rate.Limiter

	latest atomic.Pointer[session.Transport]
	polls  atomic.Uint64
}

// NewTransportPoller creates a poller. An empty url disables polling;
// Latest then returns whatever was last Set (stopped by default).
func NewTransportPoller(url string, interval time.Duration, logger *slog.Logger) *TransportPoller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	p := &TransportPoller{
		url:      url,
		interval: interval,
		client: &http.Client{
			Timeout: time.Second, // never block beyond one poll period
		},
		log:    logger,
		errLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	p.latest.Store(&session.Transport{})
	return p
}

// Latest returns the most recent transport state.
func (p *TransportPoller) Latest() session.Transport {
	return *p.latest.Load()
}

// Set overrides the transport state (manual control, tests).
func (p *TransportPoller) Set(t session.Transport) {
	p.latest.Store(&t)
}

// Polls is the number of successful polls.
func (p *TransportPoller) Polls() uint64 { return p.polls.Load() }

// Run polls until ctx ends.
func (p *TransportPoller) Run(ctx context.Context) error {
	if p.url == "" {
		<-ctx.Done()
		return nil
	}

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *TransportPoller) poll(ctx context.Context) {
	t, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil && p.errLog.Allow() {
			p.log.Warn("transport: poll failed", "url", p.url, "error", err)
		}
		return
	}
	p.latest.Store(&t)
	p.polls.Add(1)
}

func (p *TransportPoller) fetch(ctx context.Context) (session.Transport, error) {
	var t session.Transport

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return t, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return t, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return t, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return t, fmt.Errorf("decode: %w", err)
	}
	return t, nil
}
