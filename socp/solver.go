package socp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInfeasible is returned when the constraints admit no strictly feasible point.
	ErrInfeasible = errors.New("socp: infeasible problem")
	// ErrNumerical is returned when the barrier method breaks down before
	// reaching its tolerances.
	ErrNumerical = errors.New("socp: numerical failure")
)

// Status of a solve.
type Status uint8

const (
	// Optimal means the duality gap tolerance was reached.
	Optimal Status = iota + 1
	// Infeasible means phase one could not find a strictly feasible point.
	Infeasible
	// Numerical means the barrier method broke down.
	Numerical
)

func (s Status) String() string {
	switch s {
	case Optimal:
		return "optimal"
	case Infeasible:
		return "infeasible"
	case Numerical:
		return "numerical"
	}
	panic("cannot stringify unknown solver status")
}

// Solution of a Problem.
type Solution struct {
	Z          []float64
	Objective  float64
	Status     Status
	Iterations int // total number of Newton steps (phase one included)
}

// Settings of the barrier method.
type Settings struct {
	T0        float64 // initial barrier weight
	Mu        float64 // barrier weight growth factor
	GapTol    float64 // absolute duality gap tolerance
	NewtonTol float64 // Newton decrement tolerance (λ²/2)
	MaxNewton int     // Newton steps per centering
	MaxOuter  int     // centering steps
	Armijo    float64 // sufficient decrease factor of the line search
	Backtrack float64 // step shrink factor of the line search
	Radius    float64 // phase one searches within Radius·(1 + ‖start‖) of the start
}

// DefaultSettings returns the settings used by NewSolver.
func DefaultSettings() Settings {
	return Settings{
		T0:        1,
		Mu:        10,
		GapTol:    1e-6,
		NewtonTol: 1e-9,
		MaxNewton: 200,
		MaxOuter:  60,
		Armijo:    0.01,
		Backtrack: 0.5,
		Radius:    100,
	}
}

// quadraticRegion bounds the Newton decrement λ² below which a full step of
// a self-concordant function stays in its domain and decreases it.
const quadraticRegion = 0.01

// Solver is a primal log-barrier interior point method for problems with
// linear and second-order cone constraints and a convex quadratic objective.
type Solver struct {
	Settings
}

// NewSolver returns a solver with the default settings.
func NewSolver() *Solver {
	return &Solver{DefaultSettings()}
}

// Solve minimizes the problem. The start point is optional; when it is not
// strictly feasible a phase one problem is solved from it first. A nil error
// means the duality gap is below GapTol.
func (s *Solver) Solve(p *Problem, start []float64) (Solution, error) {
	if err := p.Validate(); err != nil {
		return Solution{}, err
	}
	z := make([]float64, p.Dim)
	if start != nil {
		if len(start) != p.Dim {
			return Solution{}, fmt.Errorf("socp: start has %d values, expected %d", len(start), p.Dim)
		}
		copy(z, start)
	}
	c := compile(p)
	total := 0
	if _, ok := c.barrier(z); !ok {
		iters, err := s.phaseOne(p, c, z)
		total += iters
		if err != nil {
			return Solution{Z: z, Status: statusOf(err), Iterations: total}, err
		}
	}
	iters, err := s.minimize(c, z, nil)
	total += iters
	if err == nil {
		if obj := p.Objective(z); math.IsNaN(obj) || math.IsInf(obj, 0) {
			err = fmt.Errorf("%w: objective is %g", ErrNumerical, obj)
		}
	}
	if err != nil {
		return Solution{Z: z, Status: statusOf(err), Iterations: total}, err
	}
	return Solution{Z: z, Objective: p.Objective(z), Status: Optimal, Iterations: total}, nil
}

func statusOf(err error) Status {
	if errors.Is(err, ErrInfeasible) {
		return Infeasible
	}
	return Numerical
}

// phaseOne overwrites z with a strictly feasible point of p, whose compiled
// form is c. It stops at the first such point.
func (s *Solver) phaseOne(p *Problem, c *compiled, z []float64) (int, error) {
	radius := s.Radius * (1 + floats.Norm(z, 2))
	ph := p.phaseOne(z, radius)
	zs := make([]float64, ph.Dim)
	copy(zs, z)
	zs[p.Dim] = math.Max(p.Violation(z), 0) + 1
	sIdx := p.Dim
	found := func(v []float64) bool {
		if v[sIdx] >= 0 {
			return false
		}
		_, ok := c.barrier(v[:sIdx])
		return ok
	}
	iters, err := s.minimize(compile(ph), zs, found)
	if err != nil {
		return iters, err
	}
	if !found(zs) {
		return iters, ErrInfeasible
	}
	copy(z, zs[:p.Dim])
	return iters, nil
}

// minimize runs the barrier method from the strictly feasible z, which is
// updated in place. It returns early once done reports true.
func (s *Solver) minimize(c *compiled, z []float64, done func([]float64) bool) (int, error) {
	τ := s.T0
	total := 0
	for outer := 0; outer < s.MaxOuter; outer++ {
		iters, stopped, err := s.center(c, z, τ, done)
		total += iters
		if err != nil || stopped {
			return total, err
		}
		if c.θ/τ < s.GapTol {
			return total, nil
		}
		τ *= s.Mu
	}
	return total, fmt.Errorf("%w: duality gap %g after %d centering steps", ErrNumerical, c.θ/τ, s.MaxOuter)
}

// center minimizes τ·f + φ with damped Newton steps. Running out of Newton
// steps or of line search progress before the decrement tolerance is an error.
func (s *Solver) center(c *compiled, z []float64, τ float64, done func([]float64) bool) (int, bool, error) {
	n := c.n
	g := make([]float64, n)
	h := make([]float64, n*n)
	trial := make([]float64, n)
	Δ := mat.NewVecDense(n, nil)
	for it := 0; it < s.MaxNewton; it++ {
		φ0, ok := c.barrier(z)
		if !ok {
			return it, false, fmt.Errorf("%w: iterate left the interior", ErrNumerical)
		}
		c.derivatives(z, τ, g, h)
		if err := newtonStep(n, h, g, Δ); err != nil {
			return it, false, err
		}
		dir := Δ.RawVector().Data
		dec := -floats.Dot(g, dir)
		if math.IsNaN(dec) || math.IsInf(dec, 0) {
			return it, false, fmt.Errorf("%w: Newton decrement is %g", ErrNumerical, dec)
		}
		if dec/2 <= s.NewtonTol {
			return it, false, nil
		}
		t := 1.0
		accepted := false
		for t > 1e-14 {
			Δf, ok := c.step(z, dir, t, τ, φ0, trial)
			if ok && (Δf <= -s.Armijo*t*dec || (t == 1 && dec < quadraticRegion)) {
				accepted = true
				break
			}
			t *= s.Backtrack
		}
		if !accepted {
			return it, false, fmt.Errorf("%w: line search stalled with Newton decrement %g", ErrNumerical, dec)
		}
		copy(z, trial)
		if done != nil && done(z) {
			return it + 1, true, nil
		}
	}
	return s.MaxNewton, false, fmt.Errorf("%w: centering did not converge in %d Newton steps", ErrNumerical, s.MaxNewton)
}

// newtonStep solves H Δ = -g, regularizing H when it is not numerically positive definite.
func newtonStep(n int, h, g []float64, Δ *mat.VecDense) error {
	rhs := make([]float64, n)
	for i, v := range g {
		rhs[i] = -v
	}
	b := mat.NewVecDense(n, rhs)
	scale := 0.0
	for i := 0; i < n; i++ {
		scale = math.Max(scale, math.Abs(h[i*n+i]))
	}
	if scale == 0 {
		scale = 1
	}
	δ := 0.0
	for attempt := 0; attempt < 12; attempt++ {
		data := make([]float64, n*n)
		copy(data, h)
		for i := 0; i < n; i++ {
			data[i*n+i] += δ
		}
		var chol mat.Cholesky
		if chol.Factorize(mat.NewSymDense(n, data)) {
			// A Condition error still carries the solution; the line search guards it.
			var cond mat.Condition
			if err := chol.SolveVecTo(Δ, b); err == nil || errors.As(err, &cond) {
				return nil
			}
		}
		if δ == 0 {
			δ = 1e-12 * scale
		} else {
			δ *= 10
		}
	}
	return fmt.Errorf("%w: Newton system is not positive definite", ErrNumerical)
}
