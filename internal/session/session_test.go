package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motion-recorder/internal/writer"
)

type fakeRecorder struct {
	mu        sync.Mutex
	starts    []string
	rewinds   []int
	stops     int
	drains    int
	closed    bool
	count     uint64
	maxRewind int
	backlog   int
	refuse    bool
}

func (f *fakeRecorder) PostStart(target string, rewind int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.starts = append(f.starts, target)
	f.rewinds = append(f.rewinds, rewind)
	return true
}

func (f *fakeRecorder) PostStop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.stops++
	return true
}

func (f *fakeRecorder) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return nil
}

func (f *fakeRecorder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRecorder) UnwrappedWriteCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeRecorder) MaxRewind() int { return f.maxRewind }
func (f *fakeRecorder) Backlog() int   { return f.backlog }
func (f *fakeRecorder) Recording() bool { return false }

func TestTransport_SecondsSinceBarStart(t *testing.T) {
	tests := []struct {
		name string
		tr   Transport
		want float64
	}{
		{"stopped", Transport{BPM: 120, BeatsPerBar: 4, PositionBeats: 6}, 0},
		{"downbeat", Transport{BPM: 120, BeatsPerBar: 4, PositionBeats: 8, Playing: true}, 0},
		{"mid bar", Transport{BPM: 120, BeatsPerBar: 4, PositionBeats: 10, Playing: true}, 1},
		{"three four", Transport{BPM: 60, BeatsPerBar: 3, PositionBeats: 4.5, Playing: true}, 1.5},
		{"no tempo", Transport{BeatsPerBar: 4, PositionBeats: 3, Playing: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.tr.SecondsSinceBarStart(), 1e-9)
		})
	}
}

func TestSession_StartWithoutStreams(t *testing.T) {
	s := New(Config{Dir: t.TempDir()})
	_, err := s.Start(Transport{})
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestSession_StartComputesPerStreamRewind(t *testing.T) {
	dir := t.TempDir()
	audio := &fakeRecorder{maxRewind: 1 << 20, count: 77}
	tracker := &fakeRecorder{maxRewind: 1000}
	aux := &fakeRecorder{maxRewind: 50}

	s := New(Config{Dir: dir})
	s.Add("audio", audio, 48000, "wav", WithGranule(2))
	s.Add("tracker", tracker, 240, "csv")
	s.Add("aux", aux, 100, "csv")

	// 120 BPM, half a bar in: one second.
	take, err := s.Start(Transport{BPM: 120, BeatsPerBar: 4, PositionBeats: 2, Playing: true})
	require.NoError(t, err)
	require.Len(t, take.Streams, 3)

	assert.Equal(t, []int{96000}, audio.rewinds)
	assert.Equal(t, []int{240}, tracker.rewinds)
	assert.Equal(t, []int{50}, aux.rewinds, "clamped to MaxRewind")

	assert.Equal(t, filepath.Join(dir, take.ID+"-tracker.csv"), tracker.starts[0])
	assert.True(t, strings.HasSuffix(audio.starts[0], "-audio.wav"))
	assert.Equal(t, uint64(77), take.Streams[0].StartMark)

	_, err = s.Start(Transport{})
	assert.ErrorIs(t, err, ErrRecording)
}

func TestSession_RewindExcludesBacklog(t *testing.T) {
	audio := &fakeRecorder{maxRewind: 1 << 20, backlog: 9600}
	tracker := &fakeRecorder{maxRewind: 1000, backlog: 12}
	late := &fakeRecorder{maxRewind: 1000, backlog: 300}
	odd := &fakeRecorder{maxRewind: 1000, backlog: 3}

	s := New(Config{Dir: t.TempDir()})
	s.Add("audio", audio, 48000, "wav", WithGranule(2))
	s.Add("tracker", tracker, 240, "csv")
	s.Add("late", late, 240, "csv")
	s.Add("odd", odd, 100, "wav", WithGranule(2))

	// One second into the bar.
	_, err := s.Start(Transport{BPM: 120, BeatsPerBar: 4, PositionBeats: 2, Playing: true})
	require.NoError(t, err)

	assert.Equal(t, []int{96000 - 9600}, audio.rewinds)
	assert.Equal(t, []int{228}, tracker.rewinds)
	assert.Equal(t, []int{0}, late.rewinds, "backlog already covers the bar")
	assert.Equal(t, []int{196}, odd.rewinds, "rounded down to the granule")
}

func TestSession_NotPlayingMeansNoRewind(t *testing.T) {
	rec := &fakeRecorder{maxRewind: 1000}
	s := New(Config{Dir: t.TempDir()})
	s.Add("tracker", rec, 240, "csv")

	_, err := s.Start(Transport{BPM: 120, BeatsPerBar: 4, PositionBeats: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, rec.rewinds)
}

func TestSession_GranuleClamp(t *testing.T) {
	rec := &fakeRecorder{maxRewind: 101}
	s := New(Config{Dir: t.TempDir()})
	s.Add("audio", rec, 1000, "wav", WithGranule(2))

	_, err := s.Start(Transport{BPM: 60, BeatsPerBar: 4, PositionBeats: 1, Playing: true})
	require.NoError(t, err)
	assert.Equal(t, []int{100}, rec.rewinds)
}

func TestSession_StopAndProgress(t *testing.T) {
	rec := &fakeRecorder{maxRewind: 10, count: 5}
	s := New(Config{Dir: t.TempDir()})
	s.Add("tracker", rec, 240, "csv")

	_, err := s.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.Empty(t, s.Progress())

	started, err := s.Start(Transport{})
	require.NoError(t, err)

	rec.mu.Lock()
	rec.count = 25
	rec.mu.Unlock()
	assert.Equal(t, map[string]uint64{"tracker": 20}, s.Progress())

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, started.ID, active.ID)

	stopped, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, started.ID, stopped.ID)
	assert.False(t, stopped.Stopped.IsZero())
	assert.Equal(t, 1, rec.stops)

	_, ok = s.Active()
	assert.False(t, ok)
}

func TestSession_StartDroppedIsReported(t *testing.T) {
	ok := &fakeRecorder{maxRewind: 10}
	full := &fakeRecorder{maxRewind: 10, refuse: true}
	s := New(Config{Dir: t.TempDir()})
	s.Add("a", ok, 10, "csv")
	s.Add("b", full, 10, "csv")

	take, err := s.Start(Transport{})
	require.Error(t, err)
	assert.True(t, take.Streams[0].Posted)
	assert.False(t, take.Streams[1].Posted)
	_, active := s.Active()
	assert.True(t, active, "the take continues on the streams that accepted it")
}

func TestSession_RunDrainsAndClosesOnCancel(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(Config{Dir: t.TempDir(), DrainInterval: time.Millisecond})
	s.Add("tracker", rec, 240, "csv")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.drains >= 3
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, rec.closed)
}

type sliceDest struct {
	mu    *sync.Mutex
	items *[]uint32
}

func (d sliceDest) Append(items []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.items = append(*d.items, items...)
	return nil
}

func (d sliceDest) Close() error { return nil }

func TestSession_RetroactiveTakeWithWriter(t *testing.T) {
	var (
		mu    sync.Mutex
		takes = map[string]*[]uint32{}
	)
	open := func(target string) (writer.Destination[uint32], error) {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := takes[target]; dup {
			return nil, errors.New("exists")
		}
		items := &[]uint32{}
		takes[target] = items
		return sliceDest{mu: &mu, items: items}, nil
	}

	w, err := writer.New(writer.Config[uint32]{Name: "session-tracker", Capacity: 1024, Open: open})
	require.NoError(t, err)

	s := New(Config{Dir: "takes"})
	s.Add("tracker", w, 240, "csv")

	var counter uint32
	tick := func() {
		block := make([]uint32, 24)
		for i := range block {
			block[i] = counter
			counter++
		}
		require.Equal(t, 24, w.Submit(block...))
		require.NoError(t, s.DrainAll())
	}

	for i := 0; i < 10; i++ {
		tick()
	}
	take, err := s.Start(Transport{BPM: 60, BeatsPerBar: 4, PositionBeats: 1, Playing: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		tick()
	}
	assert.Equal(t, map[string]uint64{"tracker": 240 + 120}, s.Progress())

	_, err = s.Stop()
	require.NoError(t, err)
	require.NoError(t, s.DrainAll())

	mu.Lock()
	got := *takes[take.Streams[0].Target]
	mu.Unlock()
	require.Len(t, got, 360)
	assert.Equal(t, uint32(0), got[0])
	assert.Equal(t, uint32(359), got[len(got)-1])
}

func TestSession_TakeStartsOnDownbeatWithPendingItems(t *testing.T) {
	var (
		mu  sync.Mutex
		got []uint32
	)
	open := func(string) (writer.Destination[uint32], error) {
		return sliceDest{mu: &mu, items: &got}, nil
	}
	w, err := writer.New(writer.Config[uint32]{Name: "session-pending", Capacity: 1024, Open: open})
	require.NoError(t, err)

	s := New(Config{Dir: "takes"})
	s.Add("tracker", w, 240, "csv")

	var counter uint32
	submit := func(n int) {
		for i := 0; i < n; i++ {
			require.Equal(t, 1, w.Submit(counter))
			counter++
		}
	}
	for i := 0; i < 10; i++ {
		submit(24)
		require.NoError(t, s.DrainAll())
	}
	submit(12) // produced after the last drain
	require.Equal(t, 12, w.Backlog())

	// One second into the bar: the downbeat is 240 items before item 252.
	take, err := s.Start(Transport{BPM: 60, BeatsPerBar: 4, PositionBeats: 1, Playing: true})
	require.NoError(t, err)
	assert.Equal(t, 228, take.Streams[0].Rewind)

	require.NoError(t, s.DrainAll())
	_, err = s.Stop()
	require.NoError(t, err)
	require.NoError(t, s.DrainAll())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 240)
	assert.Equal(t, uint32(12), got[0])
	assert.Equal(t, uint32(251), got[len(got)-1])
}
