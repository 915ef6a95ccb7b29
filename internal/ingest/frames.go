package ingest

import (
	"encoding/json"
	"fmt"

	"motion-recorder/internal/model"
)

// poseEvent matches the tracker bridge JSON.
// Example: {"counter":1042,"position":[0.1,1.5,-0.3],"orientation":[1,0,0,0],"pressed":false}
type poseEvent struct {
	Counter     *uint32    `json:"counter"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"`
	Pressed     bool       `json:"pressed"`
}

// auxEvent matches the aux controller bridge JSON.
// Example: {"counter":88,"values":[0,0.5,0,0,0,0,0,1],"touch":true}
type auxEvent struct {
	Counter *uint32                     `json:"counter"`
	Values  [model.AuxChannels]float32 `json:"values"`
	Touch   bool                        `json:"touch"`
}

// DecodePose decodes a tracker frame. A missing counter is an error; a
// zero quaternion becomes the identity.
func DecodePose(data []byte) (model.Frame[model.Pose], error) {
	var ev poseEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Frame[model.Pose]{}, err
	}
	if ev.Counter == nil {
		return model.Frame[model.Pose]{}, fmt.Errorf("%w: missing counter", ErrBadFrame)
	}
	if ev.Orientation == [4]float64{} {
		ev.Orientation[0] = 1
	}
	return model.Frame[model.Pose]{
		Counter: *ev.Counter,
		Payload: model.Pose{
			Position:    ev.Position,
			Orientation: ev.Orientation,
			Pressed:     ev.Pressed,
		},
	}, nil
}

// DecodeAux decodes an aux controller frame.
func DecodeAux(data []byte) (model.Frame[model.AuxSample], error) {
	var ev auxEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Frame[model.AuxSample]{}, err
	}
	if ev.Counter == nil {
		return model.Frame[model.AuxSample]{}, fmt.Errorf("%w: missing counter", ErrBadFrame)
	}
	return model.Frame[model.AuxSample]{
		Counter: *ev.Counter,
		Payload: model.AuxSample{Values: ev.Values, Touch: ev.Touch},
	}, nil
}
