package model

// Frame is one discrete record from a source device.
// Counter is assigned upstream, wraps at 2^32 and is the only ordering
// signal between frames of the same stream.
type Frame[P any] struct {
	Counter uint32
	Payload P
}

// Stream names used across the recorder.
const (
	StreamAudio   = "audio"
	StreamTracker = "tracker"
	StreamAux     = "aux"
)
