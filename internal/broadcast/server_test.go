package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motion-recorder/internal/model"
	"motion-recorder/internal/session"
	"motion-recorder/internal/state"
)

type fakeControl struct {
	mu      sync.Mutex
	offsets map[string]int32
	active  bool
}

func (f *fakeControl) SetOffset(stream string, v int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.offsets[stream]; !ok {
		return fmt.Errorf("unknown stream %q", stream)
	}
	f.offsets[stream] = v
	return nil
}

func (f *fakeControl) Offsets() map[string]int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int32, len(f.offsets))
	for k, v := range f.offsets {
		out[k] = v
	}
	return out
}

func (f *fakeControl) Start() (session.Take, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return session.Take{}, session.ErrRecording
	}
	f.active = true
	return session.Take{ID: "take-1"}, nil
}

func (f *fakeControl) Stop() (session.Take, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return session.Take{}, session.ErrNotRecording
	}
	f.active = false
	return session.Take{ID: "take-1"}, nil
}

type harness struct {
	hub    *Hub
	srv    *httptest.Server
	input  chan model.Frame[model.Pose]
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, hist *state.History[model.Frame[model.Pose]], ctl Controller) *harness {
	t.Helper()
	h := &harness{
		hub:   NewHub(Config{History: hist, Control: ctl}),
		input: make(chan model.Frame[model.Pose], 16),
		done:  make(chan error, 1),
	}
	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.done <- h.hub.Run(ctx, h.input) }()
	h.srv = httptest.NewServer(h.hub.Handler())

	t.Cleanup(func() {
		h.srv.Close()
		h.cancel()
		<-h.done
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	return c
}

func readReply(t *testing.T, c *websocket.Conn) reply {
	t.Helper()
	for {
		kind, data, err := c.ReadMessage()
		require.NoError(t, err)
		if kind != websocket.TextMessage {
			continue // live frames interleave with replies
		}
		var r reply
		require.NoError(t, json.Unmarshal(data, &r))
		return r
	}
}

func poseFrame(counter uint32) model.Frame[model.Pose] {
	return model.Frame[model.Pose]{
		Counter: counter,
		Payload: model.Pose{Position: [3]float64{float64(counter), 0, 0}, Orientation: [4]float64{1, 0, 0, 0}},
	}
}

func TestHub_StreamsHistoryThenLive(t *testing.T) {
	hist := state.NewHistory[model.Frame[model.Pose]](8)
	hist.Add(poseFrame(1), poseFrame(2))
	h := newHarness(t, hist, nil)

	c := h.dial(t)

	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, model.AppendHistoryHeader(nil, 2), data)

	for _, n := range []uint32{1, 2} {
		f := poseFrame(n)
		_, data, err = c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, model.AppendPoseMsgPack(nil, &f), data)
	}

	// The client registers after history; keep publishing until it sees one.
	live := poseFrame(3)
	want := model.AppendPoseMsgPack(nil, &live)
	got := make(chan []byte, 1)
	go func() {
		_, data, err := c.ReadMessage()
		if err == nil {
			got <- data
		}
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case h.input <- live:
		default:
		}
		select {
		case data := <-got:
			assert.Equal(t, want, data)
			return
		case <-deadline:
			t.Fatal("no live frame received")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHub_Commands(t *testing.T) {
	ctl := &fakeControl{offsets: map[string]int32{"aux": 0}}
	h := newHarness(t, nil, ctl)
	c := h.dial(t)

	send := func(msg string) reply {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
		return readReply(t, c)
	}

	r := send(`{"op":"offset","stream":"aux","value":-3}`)
	assert.True(t, r.OK)
	assert.Equal(t, int32(-3), r.Offsets["aux"])

	r = send(`{"op":"offset","stream":"nope","value":1}`)
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "unknown stream")

	r = send(`{"op":"start"}`)
	require.True(t, r.OK)
	require.NotNil(t, r.Take)
	assert.Equal(t, "take-1", r.Take.ID)

	r = send(`{"op":"start"}`)
	assert.False(t, r.OK)
	assert.Equal(t, session.ErrRecording.Error(), r.Error)

	r = send(`{"op":"stop"}`)
	assert.True(t, r.OK)

	r = send(`{"op":"status"}`)
	assert.True(t, r.OK)
	assert.Equal(t, map[string]int32{"aux": -3}, r.Offsets)

	r = send(`{"op":"dance"}`)
	assert.False(t, r.OK)
	assert.Equal(t, "unknown op", r.Error)

	r = send(`{{`)
	assert.Equal(t, "bad json", r.Error)
}

func TestHub_ControlDisabled(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.dial(t)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"op":"start"}`)))
	r := readReply(t, c)
	assert.False(t, r.OK)
	assert.Equal(t, "control disabled", r.Error)
}

func TestHub_MetricsAndHealth(t *testing.T) {
	h := newHarness(t, nil, nil)

	for _, path := range []string{"/metrics", "/healthz"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.dial(t)

	// A round trip proves the client is registered.
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"op":"status"}`)))
	readReply(t, c)

	h.cancel()
	require.NoError(t, <-h.done)
	h.done <- nil // for Cleanup

	_, _, err := c.ReadMessage()
	assert.Error(t, err, "connection is closed after shutdown")
}

func TestServe_StopsOnCancel(t *testing.T) {
	hub := NewHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
