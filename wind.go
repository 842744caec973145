package chute

import (
	"context"
	"math"
	"sort"
)

// ReferenceAltitudes are the heights above ground (m) at which wind data is requested.
var ReferenceAltitudes = [4]float64{10, 80, 120, 180}

// WindSample is the wind velocity measured at one altitude.
type WindSample struct {
	Altitude float64 `json:"altitude" msgpack:"altitude"`
	Velocity Vec2    `json:"velocity" msgpack:"velocity"`
}

// NewWindSample converts a speed (km/h) and direction (degrees) measurement.
func NewWindSample(altitude, speedKmh, directionDeg float64) WindSample {
	return WindSample{Altitude: altitude, Velocity: ToCartesian(speedKmh, directionDeg)}
}

// ToCartesian returns the wind velocity (m/s) of a speed (km/h) and direction
// (degrees). The direction is used as the bearing of the velocity vector.
func ToCartesian(speedKmh, directionDeg float64) Vec2 {
	s := speedKmh * kmh2ms
	sin, cos := math.Sincos(Radians(directionDeg))
	return Vec2{s * sin, s * cos}
}

// WindProfile is a set of wind samples sorted by increasing altitude.
type WindProfile []WindSample

// NewWindProfile returns the sorted profile of the samples.
func NewWindProfile(samples ...WindSample) (WindProfile, error) {
	if len(samples) == 0 {
		return nil, invalid("wind profile", "no samples")
	}
	p := make(WindProfile, len(samples))
	copy(p, samples)
	sort.Slice(p, func(i, j int) bool { return p[i].Altitude < p[j].Altitude })
	for i, s := range p {
		if math.IsNaN(s.Altitude) || math.IsNaN(s.Velocity[0]) || math.IsNaN(s.Velocity[1]) {
			return nil, invalid("wind profile", "sample #%d is not a number", i)
		}
		if i > 0 && p[i-1].Altitude == s.Altitude {
			return nil, invalid("wind profile", "duplicate altitude %g m", s.Altitude)
		}
	}
	return p, nil
}

// UniformProfile returns the profile of a wind that does not vary with altitude.
func UniformProfile(w Vec2) WindProfile {
	p := make(WindProfile, len(ReferenceAltitudes))
	for i, alt := range ReferenceAltitudes {
		p[i] = WindSample{Altitude: alt, Velocity: w}
	}
	return p
}

// At returns the wind at altitude z. The profile is linearly interpolated
// between samples and held constant beyond the lowest and highest ones.
func (p WindProfile) At(z float64) Vec2 {
	n := len(p)
	if z <= p[0].Altitude {
		return p[0].Velocity
	}
	if z >= p[n-1].Altitude {
		return p[n-1].Velocity
	}
	i := sort.Search(n, func(i int) bool { return p[i].Altitude >= z })
	hi := p[i]
	if hi.Altitude == z {
		return hi.Velocity
	}
	lo := p[i-1]
	r := (z - lo.Altitude) / (hi.Altitude - lo.Altitude)
	return lo.Velocity.Add(hi.Velocity.Sub(lo.Velocity).Scale(r))
}

// Interpolate samples the profile along the descent.
func (p WindProfile) Interpolate(profile AltitudeProfile) WindField {
	w := make(WindField, profile.Len())
	for k, z := range profile.Altitudes {
		w[k] = p.At(z)
	}
	return w
}

// WindField is the wind velocity at each step of the descent.
type WindField []Vec2

// UniformWindField returns a constant field of n steps.
func UniformWindField(n int, w Vec2) WindField {
	f := make(WindField, n)
	for k := range f {
		f[k] = w
	}
	return f
}

// Drift returns the displacement the field alone causes over the descent, Σ W_k·dt for k < N-1.
func (f WindField) Drift(dt float64) Vec2 {
	var d Vec2
	for k := 0; k < len(f)-1; k++ {
		d = d.Add(f[k].Scale(dt))
	}
	return d
}

// BuildWindField fetches the forecast at (lat, lon) and interpolates the
// given hour along the n steps descent of the atmosphere.
func BuildWindField(ctx context.Context, provider WindProvider, lat, lon float64, hourIndex, n int, atm Atmosphere) (WindField, AltitudeProfile, error) {
	if hourIndex < 0 {
		return nil, AltitudeProfile{}, invalid("hour index", "must be non negative, got %d", hourIndex)
	}
	profile, err := atm.Profile(n)
	if err != nil {
		return nil, AltitudeProfile{}, err
	}
	fc, err := provider.Forecast(ctx, lat, lon)
	if err != nil {
		return nil, AltitudeProfile{}, err
	}
	wp, err := fc.Profile(hourIndex)
	if err != nil {
		return nil, AltitudeProfile{}, err
	}
	return wp.Interpolate(profile), profile, nil
}
