package main

import (
	"fmt"
	"sync"

	"motion-recorder/internal/session"
)

// offsetter is the part of an aligner the UI can adjust.
type offsetter interface {
	SetOffset(int32)
	Offset() int32
}

// transportSource supplies the host position at the moment a take starts.
type transportSource interface {
	Latest() session.Transport
}

// controller executes UI commands against the running pipeline.
type controller struct {
	sess      *session.Session
	transport transportSource

	mu      sync.Mutex
	streams map[string]offsetter
}

func newController(sess *session.Session, transport transportSource) *controller {
	return &controller{sess: sess, transport: transport, streams: make(map[string]offsetter)}
}

func (c *controller) addStream(name string, o offsetter) {
	c.mu.Lock()
	c.streams[name] = o
	c.mu.Unlock()
}

func (c *controller) SetOffset(stream string, v int32) error {
	c.mu.Lock()
	o, ok := c.streams[stream]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown stream %q", stream)
	}
	o.SetOffset(v)
	return nil
}

func (c *controller) Offsets() map[string]int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int32, len(c.streams))
	for name, o := range c.streams {
		out[name] = o.Offset()
	}
	return out
}

func (c *controller) Start() (session.Take, error) {
	return c.sess.Start(c.transport.Latest())
}

func (c *controller) Stop() (session.Take, error) {
	return c.sess.Stop()
}
