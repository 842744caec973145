package chute

import (
	"math"

	"github.com/ChristopherRabotin/ode"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Turbulence adds a gaussian gust to the wind, drawn once per integration step.
type Turbulence struct {
	Sigma float64 // standard deviation of each gust component (m/s)
	noise *distmv.Normal
}

// NewTurbulence returns isotropic gusts of standard deviation σ (m/s), drawn
// from a source seeded with seed.
func NewTurbulence(σ float64, seed uint64) (*Turbulence, error) {
	if !(σ > 0) {
		return nil, invalid("turbulence", "standard deviation must be positive, got %g", σ)
	}
	noise, ok := distmv.NewNormal([]float64{0, 0}, mat.NewSymDense(2, []float64{σ * σ, 0, 0, σ * σ}), rand.NewSource(seed))
	if !ok {
		return nil, invalid("turbulence", "covariance of σ=%g is not positive definite", σ)
	}
	return &Turbulence{Sigma: σ, noise: noise}, nil
}

// Gust draws one gust.
func (t *Turbulence) Gust() Vec2 {
	g := t.noise.Rand(nil)
	return Vec2{g[0], g[1]}
}

// DriftState is one sample of an unguided descent.
type DriftState struct {
	T float64 `json:"t"`
	Z float64 `json:"z"`
	X Vec2    `json:"x"`
}

// drift is the unguided descent: constant heading, nominal glide speed, plus wind.
type drift struct {
	atm     Atmosphere
	wind    WindProfile
	heading Vec2
	turb    *Turbulence
	gust    Vec2
	step    float64
	steps   int
	k       int
	x       Vec2
	states  []DriftState
}

// GetState returns the horizontal position.
func (d *drift) GetState() []float64 {
	return []float64{d.x[0], d.x[1]}
}

// SetState records the position at the end of a step.
func (d *drift) SetState(_ float64, s []float64) {
	d.k++
	d.x = Vec2{s[0], s[1]}
	t := d.atm.T0 + float64(d.k)*d.step
	d.states = append(d.states, DriftState{T: t, Z: math.Max(d.atm.Altitude(t), 0), X: d.x})
	d.drawGust()
}

// Stop returns whether the payload has landed.
func (d *drift) Stop(_ float64) bool {
	return d.k >= d.steps
}

// Func returns the horizontal velocity at time t.
func (d *drift) Func(t float64, _ []float64) []float64 {
	// The integrator time starts at zero.
	z := clamp(d.atm.Altitude(d.atm.T0+t), 0, d.atm.Z0)
	v := d.heading.Scale(d.atm.GlideSpeed(z)).Add(d.gust)
	if len(d.wind) > 0 {
		v = v.Add(d.wind.At(z))
	}
	return []float64{v[0], v[1]}
}

func (d *drift) drawGust() {
	if d.turb == nil || d.turb.noise == nil {
		return
	}
	d.gust = d.turb.Gust()
}

// SimulateUnguided integrates the descent of a payload flying a fixed heading ψ
// (rad) from the release position, with a step close to the requested one. A
// nil wind profile means calm air. The last state is the landing point.
func SimulateUnguided(atm Atmosphere, wind WindProfile, release Vec2, ψ, step float64, turb *Turbulence) ([]DriftState, error) {
	if err := atm.Validate(); err != nil {
		return nil, err
	}
	if !(step > 0) {
		return nil, invalid("step", "must be positive, got %g", step)
	}
	duration := atm.TimeHorizon() - atm.T0
	steps := int(math.Ceil(duration / step))
	d := &drift{
		atm:     atm,
		wind:    wind,
		heading: Heading(ψ),
		turb:    turb,
		step:    duration / float64(steps),
		steps:   steps,
		x:       release,
		states:  make([]DriftState, 0, steps+1),
	}
	d.states = append(d.states, DriftState{T: atm.T0, Z: atm.Z0, X: release})
	d.drawGust()
	ode.NewRK4(0, d.step, d).Solve() // Blocking.
	d.states[len(d.states)-1].Z = 0
	return d.states, nil
}
