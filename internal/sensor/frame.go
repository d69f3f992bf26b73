package sensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FrameSize is the length of one orientation notification payload.
const FrameSize = 16

// Orientation is a unit quaternion as sent by the tag.
type Orientation struct {
	W float32 `json:"w"`
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Identity is the orientation reported when no tag is streaming.
var Identity = Orientation{W: 1}

// DecodeFrame parses a notification payload: four little-endian IEEE-754
// float32 values in w,x,y,z order. Values are passed through unnormalized.
//
// Payloads shorter than FrameSize fail with ErrMalformedFrame. Trailing
// bytes past FrameSize are ignored.
func DecodeFrame(b []byte) (Orientation, error) {
	if len(b) < FrameSize {
		return Orientation{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(b), FrameSize)
	}
	return Orientation{
		W: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(b[12:16])),
	}, nil
}

// EncodeFrame is the inverse of DecodeFrame. Used by simulated transports.
func EncodeFrame(o Orientation) []byte {
	b := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(o.W))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(o.X))
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(o.Y))
	binary.LittleEndian.PutUint32(b[12:16], math.Float32bits(o.Z))
	return b
}
