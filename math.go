package chute

import (
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

const (
	deg2rad = math.Pi / 180
	kmh2ms  = 1000. / 3600.
)

// Vec2 is a horizontal vector. Latitude and longitude are used directly as
// planar coordinates in meters, there is no geodetic projection.
type Vec2 [2]float64

// Add returns a+b.
func (a Vec2) Add(b Vec2) Vec2 {
	return Vec2{a[0] + b[0], a[1] + b[1]}
}

// Sub returns a-b.
func (a Vec2) Sub(b Vec2) Vec2 {
	return Vec2{a[0] - b[0], a[1] - b[1]}
}

// Scale returns s*a.
func (a Vec2) Scale(s float64) Vec2 {
	return Vec2{s * a[0], s * a[1]}
}

// Dot returns the inner product.
func (a Vec2) Dot(b Vec2) float64 {
	return a[0]*b[0] + a[1]*b[1]
}

// Norm returns the Euclidean norm.
func (a Vec2) Norm() float64 {
	return math.Hypot(a[0], a[1])
}

// Unit returns the unit vector of a, or the zero vector if a is nearly zero.
func (a Vec2) Unit() Vec2 {
	n := a.Norm()
	if scalar.EqualWithinAbs(n, 0, 1e-12) {
		return Vec2{}
	}
	return a.Scale(1 / n)
}

// Heading returns the unit vector at angle ψ (radians) from the first axis.
func Heading(ψ float64) Vec2 {
	s, c := math.Sincos(ψ)
	return Vec2{c, s}
}

// Radians converts an angle in degrees to radians in [0, 2π).
func Radians(deg float64) float64 {
	return wrap(deg*deg2rad, 2*math.Pi)
}

// Degrees converts an angle in radians to degrees in [0, 360).
func Degrees(rad float64) float64 {
	return wrap(rad/deg2rad, 360)
}

// wrap returns a modulo period, in [0, period).
func wrap(a, period float64) float64 {
	a = math.Mod(a, period)
	if a < 0 {
		a += period
	}
	if a >= period {
		return 0
	}
	return a
}

// clamp returns v limited to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
