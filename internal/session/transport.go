package session

import "math"

// Transport is the host's musical position at the moment of a start
// request.
type Transport struct {
	BPM           float64 `json:"bpm"`
	BeatsPerBar   float64 `json:"beats_per_bar"`
	PositionBeats float64 `json:"position_beats"` // beats since song start
	Playing       bool    `json:"playing"`
}

// SecondsSinceBarStart is how far into the current bar the transport is.
// Zero when stopped or when tempo/meter are unknown.
func (t Transport) SecondsSinceBarStart() float64 {
	if !t.Playing || t.BPM <= 0 || t.BeatsPerBar <= 0 {
		return 0
	}
	beat := math.Mod(t.PositionBeats, t.BeatsPerBar)
	if beat < 0 {
		beat += t.BeatsPerBar
	}
	return beat * 60 / t.BPM
}
