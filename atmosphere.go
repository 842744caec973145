package chute

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Atmosphere holds the parameters of the barometric descent model.
// All the methods are pure functions of these parameters.
type Atmosphere struct {
	Z0  float64 // release height above the target (m)
	Ch  float64 // sea level density (kg/m^3)
	Cz  float64 // altitude scale constant (1/m)
	Ce  float64 // density exponent
	Rz0 float64 // descent rate constant (negative)
	Vz0 float64 // glide speed at the release altitude (m/s)
	T0  float64 // release epoch on the time grid (s)
}

// DefaultAtmosphere returns the model of a 1200 m release.
func DefaultAtmosphere() Atmosphere {
	return NewAtmosphere(1200, 1.225, 2.256e-5, 4.2559, -7.9, 18.5)
}

// NewAtmosphere returns a new descent model.
func NewAtmosphere(z0, ch, cz, ce, rz0, vz0 float64) Atmosphere {
	return Atmosphere{Z0: z0, Ch: ch, Cz: cz, Ce: ce, Rz0: rz0, Vz0: vz0}
}

// WithRelease returns a copy of the model released from z0.
func (a Atmosphere) WithRelease(z0 float64) Atmosphere {
	a.Z0 = z0
	return a
}

// cf is the second exponent of the closed form, ce/2 + 1.
func (a Atmosphere) cf() float64 {
	return a.Ce/2 + 1
}

// Validate returns a ValidationError if the model is not physical.
func (a Atmosphere) Validate() error {
	switch {
	case !(a.Z0 > 0):
		return invalid("release altitude", "must be positive, got %g", a.Z0)
	case !(a.Ch > 0):
		return invalid("sea level density", "must be positive, got %g", a.Ch)
	case !(a.Cz > 0):
		return invalid("scale constant", "must be positive, got %g", a.Cz)
	case a.Z0*a.Cz >= 1:
		return invalid("release altitude", "%g m is above the model ceiling %g m", a.Z0, 1/a.Cz)
	case !(a.Ce > 0):
		return invalid("density exponent", "must be positive, got %g", a.Ce)
	case !(a.Rz0 < 0):
		return invalid("descent rate", "must be negative, got %g", a.Rz0)
	case !(a.Vz0 > 0):
		return invalid("glide speed", "must be positive, got %g", a.Vz0)
	}
	return nil
}

// Density returns the air density at altitude z.
func (a Atmosphere) Density(z float64) float64 {
	return a.Ch * math.Pow(1-z*a.Cz, a.Ce)
}

// ReleaseDensity returns ρ0, the density at the release altitude.
func (a Atmosphere) ReleaseDensity() float64 {
	return a.Density(a.Z0)
}

// GlideSpeed returns the nominal horizontal speed at altitude z, which
// scales with √(ρ0/ρ(z)) as for a constant lift coefficient.
func (a Atmosphere) GlideSpeed(z float64) float64 {
	return a.Vz0 * math.Sqrt(a.ReleaseDensity()/a.Density(z))
}

// Altitude returns the altitude at time t.
func (a Atmosphere) Altitude(t float64) float64 {
	cf := a.cf()
	ρ0 := a.ReleaseDensity()
	base := (a.primitive(a.Z0) - (t-a.T0)*a.Rz0*math.Sqrt(ρ0)/math.Sqrt(a.Ch)) * cf * a.Cz
	return (1 - math.Pow(base, 1/cf)) / a.Cz
}

// primitive is (1 - z·cz)^cf / (cf·cz), the antiderivative behind Altitude.
func (a Atmosphere) primitive(z float64) float64 {
	cf := a.cf()
	return math.Pow(1-z*a.Cz, cf) / cf / a.Cz
}

// TimeHorizon returns tf, solution of Altitude(tf) = 0.
func (a Atmosphere) TimeHorizon() float64 {
	ρ0 := a.ReleaseDensity()
	return a.T0 + math.Sqrt(a.Ch)/a.Rz0/math.Sqrt(ρ0)*(a.primitive(a.Z0)-a.primitive(0))
}

// AltitudeProfile is the descent sampled on a uniform time grid.
type AltitudeProfile struct {
	Times     []float64 `json:"times"`
	Altitudes []float64 `json:"altitudes"`
	Step      float64   `json:"step"`
}

// Len returns the number of samples.
func (p AltitudeProfile) Len() int {
	return len(p.Times)
}

// Profile samples the descent on n points from release to touchdown.
func (a Atmosphere) Profile(n int) (AltitudeProfile, error) {
	if n < 2 {
		return AltitudeProfile{}, invalid("steps", "need at least 2, got %d", n)
	}
	if err := a.Validate(); err != nil {
		return AltitudeProfile{}, err
	}
	tf := a.TimeHorizon()
	times := floats.Span(make([]float64, n), a.T0, tf)
	alts := make([]float64, n)
	for k, t := range times {
		alts[k] = a.Altitude(t)
	}
	// The closed form yields z0 and 0 only up to rounding.
	alts[0] = a.Z0
	alts[n-1] = 0
	return AltitudeProfile{Times: times, Altitudes: alts, Step: (tf - a.T0) / float64(n-1)}, nil
}

// SpeedProfile returns the nominal glide speed at each altitude of the profile.
func (a Atmosphere) SpeedProfile(p AltitudeProfile) []float64 {
	v := make([]float64, p.Len())
	for k, z := range p.Altitudes {
		v[k] = a.GlideSpeed(z)
	}
	return v
}

// StandardTemperature returns the ISA temperature (K) at altitude h (m).
func StandardTemperature(h float64) float64 {
	const (
		T0        = 288.15
		lapseRate = 0.0065
	)
	return T0 - lapseRate*h
}

// StandardPressure returns the ISA pressure (hPa) at altitude h (m).
func StandardPressure(h float64) float64 {
	const (
		T0        = 288.15
		P0        = 1013.25
		lapseRate = 0.0065
		g         = 9.80665
		M         = 0.0289644
		R         = 8.31447
	)
	return P0 * math.Pow(1-lapseRate*h/T0, g*M/(R*lapseRate))
}
