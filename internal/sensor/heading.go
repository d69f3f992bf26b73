package sensor

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// HeadingDeg returns the compass heading of the tag's forward (+X) axis in
// degrees [0,360), measured clockwise from north in a north-east-down frame.
//
// ok is false when the quaternion is zero/NaN or the forward axis points
// straight up or down, where heading is undefined.
func (o Orientation) HeadingDeg() (deg float64, ok bool) {
	q := quat.Number{
		Real: float64(o.W),
		Imag: float64(o.X),
		Jmag: float64(o.Y),
		Kmag: float64(o.Z),
	}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	q = quat.Scale(1/n, q)

	// Rotate body +X into the world frame: v' = q v q*.
	fwd := quat.Mul(quat.Mul(q, quat.Number{Imag: 1}), quat.Conj(q))
	if math.Hypot(fwd.Imag, fwd.Jmag) < 1e-9 {
		return 0, false
	}
	return NormalizeDeg(math.Atan2(fwd.Jmag, fwd.Imag) * 180 / math.Pi), true
}

// NormalizeDeg wraps any angle into [0,360).
func NormalizeDeg(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// FromHeading builds the orientation for a level tag pointing at deg.
func FromHeading(deg float64) Orientation {
	half := deg * math.Pi / 180 / 2
	return Orientation{W: float32(math.Cos(half)), Z: float32(math.Sin(half))}
}
