package socp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Halfspace defines the linear inequality A·z ≤ B.
type Halfspace struct {
	A []float64
	B float64
}

// Cone defines the second-order cone constraint ‖A z + B‖ ≤ C·z + D.
// B and C may be nil, in which case they are treated as zero.
type Cone struct {
	A *mat.Dense
	B []float64
	C []float64
	D float64
}

// Problem is a convex program over z ∈ ℝ^Dim:
//
//	minimize    ½ zᵀ P z + Q·z + R
//	subject to  every Halfspace and every Cone.
//
// P must be positive semi-definite and may be nil (linear objective).
// Linear equality constraints are expected to be eliminated by the caller.
type Problem struct {
	Dim        int
	P          *mat.SymDense
	Q          []float64
	R          float64
	Halfspaces []Halfspace
	Cones      []Cone
}

// Validate checks the dimensions of the problem.
func (p *Problem) Validate() error {
	if p.Dim <= 0 {
		return errors.New("socp: problem dimension must be positive")
	}
	if p.P != nil && p.P.SymmetricDim() != p.Dim {
		return fmt.Errorf("socp: P is %dx%d, expected %d", p.P.SymmetricDim(), p.P.SymmetricDim(), p.Dim)
	}
	if p.Q != nil && len(p.Q) != p.Dim {
		return fmt.Errorf("socp: len(Q)=%d, expected %d", len(p.Q), p.Dim)
	}
	for i, h := range p.Halfspaces {
		if len(h.A) != p.Dim {
			return fmt.Errorf("socp: halfspace #%d has %d coefficients, expected %d", i, len(h.A), p.Dim)
		}
	}
	for i, c := range p.Cones {
		if c.A == nil {
			return fmt.Errorf("socp: cone #%d has no A", i)
		}
		m, n := c.A.Dims()
		if n != p.Dim {
			return fmt.Errorf("socp: cone #%d A has %d columns, expected %d", i, n, p.Dim)
		}
		if c.B != nil && len(c.B) != m {
			return fmt.Errorf("socp: cone #%d len(B)=%d, expected %d", i, len(c.B), m)
		}
		if c.C != nil && len(c.C) != p.Dim {
			return fmt.Errorf("socp: cone #%d len(C)=%d, expected %d", i, len(c.C), p.Dim)
		}
	}
	return nil
}

// Objective returns the objective value at z.
func (p *Problem) Objective(z []float64) float64 {
	val := p.R
	if p.Q != nil {
		val += floats.Dot(p.Q, z)
	}
	if p.P != nil {
		zv := mat.NewVecDense(len(z), z)
		val += 0.5 * mat.Inner(zv, p.P, zv)
	}
	return val
}

// Violation returns the largest constraint violation at z (≤ 0 when z is feasible).
func (p *Problem) Violation(z []float64) float64 {
	worst := math.Inf(-1)
	for _, h := range p.Halfspaces {
		worst = math.Max(worst, floats.Dot(h.A, z)-h.B)
	}
	for _, c := range p.Cones {
		m, _ := c.A.Dims()
		w := mat.NewVecDense(m, nil)
		w.MulVec(c.A, mat.NewVecDense(len(z), z))
		if c.B != nil {
			w.AddVec(w, mat.NewVecDense(m, c.B))
		}
		t := c.D
		if c.C != nil {
			t += floats.Dot(c.C, z)
		}
		worst = math.Max(worst, mat.Norm(w, 2)-t)
	}
	return worst
}

// phaseOne returns the feasibility problem of p: minimize s such that every
// constraint of p, relaxed by s, holds. The search is kept bounded by s ≥ -1
// and by the ball ‖z - center‖ ≤ radius, which is never relaxed: epigraph
// variables would otherwise run off to infinity.
func (p *Problem) phaseOne(center []float64, radius float64) *Problem {
	n := p.Dim + 1
	s := p.Dim
	q := make([]float64, n)
	q[s] = 1
	ph := &Problem{Dim: n, Q: q}
	for _, h := range p.Halfspaces {
		a := make([]float64, n)
		copy(a, h.A)
		a[s] = -1
		ph.Halfspaces = append(ph.Halfspaces, Halfspace{A: a, B: h.B})
	}
	bound := make([]float64, n)
	bound[s] = -1
	ph.Halfspaces = append(ph.Halfspaces, Halfspace{A: bound, B: 1})
	for _, cn := range p.Cones {
		m, _ := cn.A.Dims()
		A := mat.NewDense(m, n, nil)
		A.Slice(0, m, 0, p.Dim).(*mat.Dense).Copy(cn.A)
		c := make([]float64, n)
		copy(c, cn.C)
		c[s] = 1
		ph.Cones = append(ph.Cones, Cone{A: A, B: cn.B, C: c, D: cn.D})
	}
	ball := mat.NewDense(p.Dim, n, nil)
	off := make([]float64, p.Dim)
	for i := 0; i < p.Dim; i++ {
		ball.Set(i, i, 1)
		off[i] = -center[i]
	}
	ph.Cones = append(ph.Cones, Cone{A: ball, B: off, D: radius})
	return ph
}

// linear is a halfspace restricted to its nonzero coefficients.
type linear struct {
	idx  []int
	coef []float64
	b    float64
}

// cone is a Cone restricted to the columns it depends on.
type cone struct {
	idx []int
	a   [][]float64
	b   []float64
	c   []float64
	d   float64
}

// compiled is the sparse working form of a Problem used by the barrier method.
type compiled struct {
	n     int
	prob  *Problem
	lin   []linear
	cones []cone
	θ     float64 // barrier parameter (sum of the barrier degrees)
}

func compile(p *Problem) *compiled {
	c := &compiled{n: p.Dim, prob: p}
	for _, h := range p.Halfspaces {
		var l linear
		for j, v := range h.A {
			if v != 0 {
				l.idx = append(l.idx, j)
				l.coef = append(l.coef, v)
			}
		}
		l.b = h.B
		c.lin = append(c.lin, l)
	}
	for _, cn := range p.Cones {
		m, n := cn.A.Dims()
		var k cone
		for j := 0; j < n; j++ {
			used := cn.C != nil && cn.C[j] != 0
			for i := 0; i < m && !used; i++ {
				used = cn.A.At(i, j) != 0
			}
			if used {
				k.idx = append(k.idx, j)
			}
		}
		k.a = make([][]float64, m)
		for i := range k.a {
			k.a[i] = make([]float64, len(k.idx))
			for s, j := range k.idx {
				k.a[i][s] = cn.A.At(i, j)
			}
		}
		k.b = make([]float64, m)
		copy(k.b, cn.B)
		k.c = make([]float64, len(k.idx))
		if cn.C != nil {
			for s, j := range k.idx {
				k.c[s] = cn.C[j]
			}
		}
		k.d = cn.D
		c.cones = append(c.cones, k)
	}
	c.θ = float64(len(c.lin) + 2*len(c.cones))
	return c
}

// slack returns b - a·z of a halfspace.
func (l *linear) slack(z []float64) float64 {
	r := l.b
	for s, j := range l.idx {
		r -= l.coef[s] * z[j]
	}
	return r
}

// eval returns w = A z + b and t = c·z + d of a cone.
func (k *cone) eval(z []float64, w []float64) (t float64) {
	for i, row := range k.a {
		w[i] = k.b[i]
		for s, j := range k.idx {
			w[i] += row[s] * z[j]
		}
	}
	t = k.d
	for s, j := range k.idx {
		t += k.c[s] * z[j]
	}
	return t
}

// barrier returns the logarithmic barrier at z, and false if z is not strictly feasible.
func (c *compiled) barrier(z []float64) (float64, bool) {
	φ := 0.0
	for i := range c.lin {
		r := c.lin[i].slack(z)
		if r <= 0 {
			return math.Inf(1), false
		}
		φ -= math.Log(r)
	}
	var w []float64
	for i := range c.cones {
		k := &c.cones[i]
		if cap(w) < len(k.a) {
			w = make([]float64, len(k.a))
		}
		w = w[:len(k.a)]
		t := k.eval(z, w)
		if t <= 0 {
			return math.Inf(1), false
		}
		D := t*t - floats.Dot(w, w)
		if D <= 0 {
			return math.Inf(1), false
		}
		φ -= math.Log(D)
	}
	return φ, true
}

// step returns the change of τ·f + φ when moving from z by t·d, given the
// barrier φ0 at z, and false if z + t·d is not strictly feasible. The
// objective change is evaluated exactly from its gradient and curvature along
// d, so it does not lose precision when τ·f is large. trial receives z + t·d.
func (c *compiled) step(z, d []float64, t, τ, φ0 float64, trial []float64) (float64, bool) {
	floats.AddScaledTo(trial, z, t, d)
	φ1, ok := c.barrier(trial)
	if !ok {
		return math.Inf(1), false
	}
	slope, curv := c.alongDirection(z, d)
	return τ*(t*slope+0.5*t*t*curv) + φ1 - φ0, true
}

// alongDirection returns ∇f(z)·d and dᵀPd.
func (c *compiled) alongDirection(z, d []float64) (slope, curv float64) {
	p := c.prob
	if p.Q != nil {
		slope = floats.Dot(p.Q, d)
	}
	if p.P != nil {
		zv := mat.NewVecDense(len(z), z)
		dv := mat.NewVecDense(len(d), d)
		slope += mat.Inner(zv, p.P, dv)
		curv = mat.Inner(dv, p.P, dv)
	}
	return slope, curv
}

// derivatives fills the gradient g and the dense row-major Hessian h of τ·f + φ at z.
func (c *compiled) derivatives(z []float64, τ float64, g, h []float64) {
	n := c.n
	for i := range g {
		g[i] = 0
	}
	for i := range h {
		h[i] = 0
	}
	p := c.prob
	if p.P != nil {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				pij := p.P.At(i, j)
				if pij == 0 {
					continue
				}
				g[i] += τ * pij * z[j]
				h[i*n+j] += τ * pij
			}
		}
	}
	if p.Q != nil {
		for i, v := range p.Q {
			g[i] += τ * v
		}
	}
	for li := range c.lin {
		l := &c.lin[li]
		r := l.slack(z)
		r2 := r * r
		for s, i := range l.idx {
			g[i] += l.coef[s] / r
			for u, j := range l.idx {
				h[i*n+j] += l.coef[s] * l.coef[u] / r2
			}
		}
	}
	var w, y []float64
	for ki := range c.cones {
		k := &c.cones[ki]
		m, ns := len(k.a), len(k.idx)
		if cap(w) < m {
			w = make([]float64, m)
		}
		w = w[:m]
		if cap(y) < ns {
			y = make([]float64, ns)
		}
		y = y[:ns]
		t := k.eval(z, w)
		D := t*t - floats.Dot(w, w)
		// y = Aᵀw - t c restricted to the support.
		for s := range y {
			y[s] = -t * k.c[s]
			for i := range k.a {
				y[s] += k.a[i][s] * w[i]
			}
		}
		for s, i := range k.idx {
			g[i] += 2 * y[s] / D
			for u, j := range k.idx {
				ata := 0.0
				for r := range k.a {
					ata += k.a[r][s] * k.a[r][u]
				}
				h[i*n+j] += 2*(ata-k.c[s]*k.c[u])/D + 4*y[s]*y[u]/(D*D)
			}
		}
	}
}
