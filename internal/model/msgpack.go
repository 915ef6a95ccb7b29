package model

import "math"

// appendHeader opens a FixArray(n) and writes the counter as element 0.
func (f *Frame[P]) appendHeader(b []byte, n byte) []byte {
	b = append(b, 0x90|n)
	return appendUint32(b, f.Counter)
}

// AppendPoseMsgPack encodes a pose frame for the UI hub.
// Format: FixArray(4) [counter, FixArray(3) position, FixArray(4) orientation, pressed]
// Zero heap allocations when b has room.
func AppendPoseMsgPack(b []byte, f *Frame[Pose]) []byte {
	b = f.appendHeader(b, 4)

	b = append(b, 0x93) // FixArray(3)
	for _, v := range f.Payload.Position {
		b = appendFloat64(b, v)
	}

	b = append(b, 0x94) // FixArray(4)
	for _, v := range f.Payload.Orientation {
		b = appendFloat64(b, v)
	}

	return appendBool(b, f.Payload.Pressed)
}

// AppendAuxMsgPack encodes an aux frame for the UI hub.
// Format: FixArray(3) [counter, FixArray(8) values(float32), touch]
func AppendAuxMsgPack(b []byte, f *Frame[AuxSample]) []byte {
	b = f.appendHeader(b, 3)

	b = append(b, 0x90|AuxChannels)
	for _, v := range f.Payload.Values {
		b = appendFloat32(b, v)
	}

	return appendBool(b, f.Payload.Touch)
}

// AppendHistoryHeader encodes the count that precedes a history stream.
// MsgPack uint32: 0xce + 4 bytes big-endian.
func AppendHistoryHeader(b []byte, n uint32) []byte {
	b = append(b, 0xce)
	return append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func appendUint32(b []byte, v uint32) []byte {
	// positive fixint
	if v <= 127 {
		return append(b, byte(v))
	}
	b = append(b, 0xce)
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendFloat64(b []byte, v float64) []byte {
	b = append(b, 0xcb)
	bits := math.Float64bits(v)
	return append(b, byte(bits>>56), byte(bits>>48), byte(bits>>40), byte(bits>>32),
		byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

func appendFloat32(b []byte, v float32) []byte {
	b = append(b, 0xca)
	bits := math.Float32bits(v)
	return append(b, byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 0xc3) // true
	}
	return append(b, 0xc2) // false
}
