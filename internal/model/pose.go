package model

import "math"

// Pose is one tracker sample: position in metres, orientation as a unit
// quaternion (w, x, y, z) and the state of the instrument's trigger button.
type Pose struct {
	Position    [3]float64
	Orientation [4]float64
	Pressed     bool
}

// LerpPose blends a toward b by t in [0,1]. Position and orientation are
// interpolated component-wise (the quaternion is renormalised afterwards);
// Pressed is taken from the nearer endpoint.
func LerpPose(a, b Pose, t float64) Pose {
	var out Pose
	for i := range out.Position {
		out.Position[i] = lerp(a.Position[i], b.Position[i], t)
	}

	// Pick the shorter arc so blending q and -q does not pass through zero.
	sign := 1.0
	if dot4(a.Orientation, b.Orientation) < 0 {
		sign = -1.0
	}
	for i := range out.Orientation {
		out.Orientation[i] = lerp(a.Orientation[i], sign*b.Orientation[i], t)
	}
	out.Orientation = normalize4(out.Orientation)

	out.Pressed = a.Pressed
	if t >= 0.5 {
		out.Pressed = b.Pressed
	}
	return out
}

// AuxChannels is the number of analog channels on the auxiliary sensor.
const AuxChannels = 8

// AuxSample is one frame of the auxiliary sensor: pressure/bend channels
// plus a capacitive touch flag.
type AuxSample struct {
	Values [AuxChannels]float32
	Touch  bool
}

// LerpAux blends a toward b by t. Touch comes from the nearer endpoint.
func LerpAux(a, b AuxSample, t float64) AuxSample {
	var out AuxSample
	for i := range out.Values {
		out.Values[i] = float32(lerp(float64(a.Values[i]), float64(b.Values[i]), t))
	}
	out.Touch = a.Touch
	if t >= 0.5 {
		out.Touch = b.Touch
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func dot4(a, b [4]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] + a[3]*b[3]
}

func normalize4(q [4]float64) [4]float64 {
	n := math.Sqrt(dot4(q, q))
	if n == 0 {
		return [4]float64{1, 0, 0, 0}
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}
