package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motion-recorder/internal/model"
	"motion-recorder/internal/session"
)

func TestDecodePose(t *testing.T) {
	f, err := DecodePose([]byte(`{"counter":7,"position":[1,2,3],"pressed":true}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.Counter)
	assert.Equal(t, [3]float64{1, 2, 3}, f.Payload.Position)
	assert.Equal(t, [4]float64{1, 0, 0, 0}, f.Payload.Orientation, "missing quaternion is identity")
	assert.True(t, f.Payload.Pressed)

	_, err = DecodePose([]byte(`{"position":[1,2,3]}`))
	assert.ErrorIs(t, err, ErrBadFrame)

	_, err = DecodePose([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeAux(t *testing.T) {
	f, err := DecodeAux([]byte(`{"counter":0,"values":[0.5,0,0,0,0,0,0,1],"touch":true}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f.Counter)
	assert.Equal(t, float32(0.5), f.Payload.Values[0])
	assert.Equal(t, float32(1), f.Payload.Values[7])
	assert.True(t, f.Payload.Touch)
}

func TestSource_DecodesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)

		for i := 0; i < 3; i++ {
			msg := fmt.Sprintf(`{"counter":%d,"position":[1,2,3]}`, i)
			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"position":[0,0,0]}`))
		if n == 1 {
			return // drop the first connection
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var (
		mu       sync.Mutex
		got      []uint32
		connects atomic.Int32
	)
	src := NewSource(SourceConfig[model.Pose]{
		Name:   "tracker",
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Decode: DecodePose,
		Handle: func(f model.Frame[model.Pose]) {
			mu.Lock()
			got = append(got, f.Counter)
			mu.Unlock()
		},
		OnConnect:         func() { connects.Add(1) },
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Frames() == 6 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), connects.Load())
	assert.Equal(t, uint64(2), src.Connects())
	assert.Equal(t, uint64(2), src.DecodeErrors())
	require.Eventually(t, src.Connected, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{0, 1, 2, 0, 1, 2}, got)
}

func TestSource_DecodeFailuresLogThrottled(t *testing.T) {
	var logs bytes.Buffer
	src := NewSource(SourceConfig[model.Pose]{
		Name:   "tracker",
		URL:    "ws://127.0.0.1:1",
		Decode: DecodePose,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})

	for i := 0; i < 50; i++ {
		src.decodeFailed(errors.New("garbage"))
	}
	assert.Equal(t, uint64(50), src.DecodeErrors())
	assert.Equal(t, decodeLogBurst, strings.Count(logs.String(), "undecodable frame"))

	// The limiter refills, so later garbage is reported again.
	logs.Reset()
	require.Eventually(t, func() bool {
		src.decodeFailed(errors.New("garbage"))
		return strings.Contains(logs.String(), "undecodable frame")
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSource_RequiresHandlers(t *testing.T) {
	src := NewSource(SourceConfig[model.Pose]{Name: "x", URL: "ws://127.0.0.1:1"})
	assert.Error(t, src.Run(context.Background()))
}

func TestTransportPoller(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"bpm":120,"beats_per_bar":4,"position_beats":10,"playing":true}`))
	}))
	defer srv.Close()

	p := NewTransportPoller(srv.URL, 5*time.Millisecond, nil)
	assert.False(t, p.Latest().Playing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Polls() > 0 }, 2*time.Second, 5*time.Millisecond)
	tr := p.Latest()
	assert.Equal(t, 120.0, tr.BPM)
	assert.True(t, tr.Playing)
	assert.InDelta(t, 1.0, tr.SecondsSinceBarStart(), 1e-9)

	fail.Store(true)
	polls := p.Polls()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, p.Polls(), polls+1, "failed polls are not counted")
	assert.True(t, p.Latest().Playing, "last good state is kept")
}

func TestTransportPoller_ManualWithoutURL(t *testing.T) {
	p := NewTransportPoller("", 0, nil)
	p.Set(session.Transport{BPM: 90, BeatsPerBar: 4, Playing: true})
	assert.Equal(t, 90.0, p.Latest().BPM)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx))
}

type blockRecorder struct {
	mu     sync.Mutex
	blocks int
	last   []float32
	refuse bool
}

func (b *blockRecorder) SubmitAll(samples ...float32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return false
	}
	b.blocks++
	b.last = append(b.last[:0], samples...)
	return true
}

func TestTone_Next(t *testing.T) {
	tone := NewTone(&blockRecorder{}, 8000, 2, 4, 2000)
	b := tone.Next()
	require.Len(t, b, 8)
	// 2 kHz at 8 kHz: a quarter turn per frame.
	assert.InDelta(t, 0, b[0], 1e-6)
	assert.InDelta(t, 0.25, b[2], 1e-6)
	assert.InDelta(t, 0, b[4], 1e-6)
	assert.InDelta(t, -0.25, b[6], 1e-6)
	for i := 0; i < len(b); i += 2 {
		assert.Equal(t, b[i], b[i+1], "channels carry the same signal")
	}
}

func TestTone_RunPushesAndDrops(t *testing.T) {
	rec := &blockRecorder{}
	tone := NewTone(rec, 1000, 1, 5, 100) // 5 ms blocks

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = tone.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return tone.Blocks() >= 3 }, 2*time.Second, time.Millisecond)
	rec.mu.Lock()
	rec.refuse = true
	rec.mu.Unlock()
	require.Eventually(t, func() bool { return tone.Dropped() >= 1 }, 2*time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestReplay(t *testing.T) {
	frames := make([]model.Frame[model.Pose], 5)
	for i := range frames {
		frames[i].Counter = uint32(i)
	}

	var seen []uint32
	r := &Replay[model.Pose]{Frames: frames, Handle: func(f model.Frame[model.Pose]) { seen = append(seen, f.Counter) }}
	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, seen)

	seen = nil
	r.Rate = 1000
	n, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Rate = 0
	n, err = r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}
