package chute

import (
	"fmt"
	"math"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gonum.org/v1/gonum/mat"

	"github.com/chutesim/chute/metrics"
	"github.com/chutesim/chute/socp"
)

// OptimizerState is the state of the successive convexification loop.
type OptimizerState uint8

const (
	// Init is the state before the first subproblem is solved.
	Init OptimizerState = iota
	// Stage1Solving iterates with a fixed trust region slack.
	Stage1Solving
	// Stage1Converged is the transition to a free, penalized slack.
	Stage1Converged
	// Stage2Solving iterates with the slack as a decision variable.
	Stage2Solving
	// Converged is terminal: the last iterate is committed.
	Converged
	// Failed is terminal: the iteration budget was exhausted or a subproblem could not be solved.
	Failed
)

var stateNames = map[OptimizerState]string{
	Init:            "INIT",
	Stage1Solving:   "STAGE1_SOLVING",
	Stage1Converged: "STAGE1_CONVERGED",
	Stage2Solving:   "STAGE2_SOLVING",
	Converged:       "CONVERGED",
	Failed:          "FAILED",
}

func (s OptimizerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	panic("cannot stringify unknown optimizer state")
}

// MarshalText implements encoding.TextMarshaler.
func (s OptimizerState) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown optimizer state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *OptimizerState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown optimizer state %q", text)
}

// GuidanceParams are the weights and limits of the guidance problem.
type GuidanceParams struct {
	Alpha1       float64 // landing error weight
	Alpha2       float64 // final heading weight
	Alpha3       float64 // trust region slack weight (stage 2)
	TurnRateMax  float64 // φ̇max (rad/s)
	EpsH         float64 // stage 1 trust region slack (m/s)
	Tolerance    float64 // cost difference at which a stage converges
	MaxIter      int
	Heading      float64 // ψ0, heading at release (rad)
	FinalHeading Vec2    // desired heading at touchdown
}

// DefaultGuidance returns the default guidance parameters.
func DefaultGuidance() GuidanceParams {
	return GuidanceParams{
		Alpha1:       100,
		Alpha2:       10,
		Alpha3:       1,
		TurnRateMax:  0.14,
		EpsH:         0.1,
		Tolerance:    0.01,
		MaxIter:      50,
		FinalHeading: Vec2{0, 1},
	}
}

// Validate returns a ValidationError on unusable parameters.
func (g GuidanceParams) Validate() error {
	switch {
	case !(g.Alpha1 >= 0) || !(g.Alpha2 >= 0) || !(g.Alpha3 >= 0):
		return invalid("weights", "must be non negative, got (%g, %g, %g)", g.Alpha1, g.Alpha2, g.Alpha3)
	case !(g.TurnRateMax > 0):
		return invalid("turn rate", "must be positive, got %g", g.TurnRateMax)
	case !(g.EpsH > 0):
		return invalid("trust region slack", "must be positive, got %g", g.EpsH)
	case math.IsNaN(g.Tolerance):
		return invalid("tolerance", "is not a number")
	case g.MaxIter < 1:
		return invalid("max iterations", "must be at least 1, got %d", g.MaxIter)
	case math.IsNaN(g.Heading) || math.IsNaN(g.FinalHeading[0]) || math.IsNaN(g.FinalHeading[1]):
		return invalid("heading", "is not a number")
	}
	return nil
}

// ConicSolver solves one convex subproblem. The start point is a hint.
type ConicSolver interface {
	Solve(p *socp.Problem, start []float64) (socp.Solution, error)
}

// Scenario is the data a trajectory is optimized for.
type Scenario struct {
	Profile AltitudeProfile
	Speeds  []float64 // nominal glide speed v_k
	Wind    WindField
	Release Vec2
	Target  Vec2
}

// Validate checks the consistency of the scenario.
func (sc Scenario) Validate() error {
	n := sc.Profile.Len()
	switch {
	case n < 2:
		return invalid("steps", "need at least 2, got %d", n)
	case len(sc.Profile.Altitudes) != n || len(sc.Speeds) != n || len(sc.Wind) != n:
		return invalid("scenario", "profile, speeds and wind have %d, %d and %d steps", n, len(sc.Speeds), len(sc.Wind))
	case !(sc.Profile.Step > 0):
		return invalid("time step", "must be positive, got %g", sc.Profile.Step)
	}
	for k, v := range sc.Speeds {
		if !(v > 0) {
			return invalid("speeds", "v[%d]=%g must be positive", k, v)
		}
	}
	return nil
}

// ConvergenceTracker keeps the cost of each outer iteration.
type ConvergenceTracker struct {
	Costs []float64
}

// Record appends the cost of an iteration.
func (c *ConvergenceTracker) Record(cost float64) {
	c.Costs = append(c.Costs, cost)
}

// Converged returns whether the last two costs differ by less than tol.
func (c *ConvergenceTracker) Converged(tol float64) bool {
	n := len(c.Costs)
	return n >= 2 && math.Abs(c.Costs[n-1]-c.Costs[n-2]) < tol
}

// iterate is one slot of the iteration history.
type iterate struct {
	X, U  []Vec2
	Cost  float64
	EpsH  float64
	Stage OptimizerState
}

// TrajectoryOptimizer computes guided trajectories by successive convexification.
type TrajectoryOptimizer struct {
	Params GuidanceParams
	Solver ConicSolver
	logger kitlog.Logger
}

// NewTrajectoryOptimizer returns a new optimizer. A nil solver selects the
// barrier solver of package socp and a nil logger discards the logs.
func NewTrajectoryOptimizer(params GuidanceParams, solver ConicSolver, logger kitlog.Logger) *TrajectoryOptimizer {
	if solver == nil {
		solver = socp.NewSolver()
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &TrajectoryOptimizer{Params: params, Solver: solver, logger: logger}
}

// Optimize runs both stages on the scenario. It returns an *OptimizationFailure
// carrying the last iterate when it does not converge within MaxIter iterations.
func (o *TrajectoryOptimizer) Optimize(sc Scenario) (*GuidanceResult, error) {
	if err := o.Params.Validate(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	n := sc.Profile.Len()
	sub := subproblem{params: o.Params, sc: sc, n: n, dt: sc.Profile.Step}
	sub.u0 = Heading(o.Params.Heading).Scale(sc.Speeds[0])
	sub.ubar = make([]Vec2, n)
	for k := range sub.ubar {
		sub.ubar[k] = Heading(o.Params.Heading)
	}

	history := make([]iterate, 0, o.Params.MaxIter)
	tracker := ConvergenceTracker{}
	state := Init
	eps := o.Params.EpsH
	stage1End := 0
	fail := func(i int, err error) error {
		f := &OptimizationFailure{Iteration: i, State: state, Costs: append([]float64(nil), tracker.Costs...), Err: err}
		if len(history) > 0 {
			f.Last = o.result(sc, history, len(history)-1, stage1End, Failed, tracker.Costs)
		}
		return f
	}

	state = Stage1Solving
	for i := 0; i < o.Params.MaxIter; i++ {
		stage2 := state == Stage2Solving
		prob := sub.build(stage2)
		sol, err := o.Solver.Solve(prob, sub.warmStart(stage2, eps))
		metrics.ObserveSolve(sol.Iterations)
		if err != nil {
			level.Error(o.logger).Log("subsys", "scp", "iter", i, "state", state, "err", err)
			return nil, fail(i, fmt.Errorf("%w: %w", ErrNoSolution, err))
		}
		U := sub.controls(sol.Z)
		if stage2 {
			eps = sol.Z[sub.epsIndex()]
		}
		X := sub.rollout(U)
		cost := sub.cost(X, U, eps, stage2)
		history = append(history, iterate{X: X, U: U, Cost: cost, EpsH: eps, Stage: state})
		tracker.Record(cost)
		sub.relinearize(U)
		level.Debug(o.logger).Log("subsys", "scp", "iter", i, "state", state, "cost", cost,
			"miss", X[n-1].Sub(sc.Target).Norm(), "eps", eps, "newton", sol.Iterations)

		switch {
		case stage2 && tracker.Converged(o.Params.Tolerance):
			state = Converged
			level.Info(o.logger).Log("subsys", "scp", "state", state, "iterations", i+1, "cost", cost)
			return o.result(sc, history, i, stage1End, state, tracker.Costs), nil
		case !stage2 && tracker.Converged(o.Params.Tolerance):
			state = Stage1Converged
			stage1End = i + 1
			level.Info(o.logger).Log("subsys", "scp", "state", state, "iterations", stage1End, "cost", cost)
			state = Stage2Solving
		}
	}
	level.Warn(o.logger).Log("subsys", "scp", "state", Failed, "iterations", o.Params.MaxIter)
	return nil, fail(o.Params.MaxIter-1, ErrNotConverged)
}

// result copies the committed slot of the history into a GuidanceResult.
func (o *TrajectoryOptimizer) result(sc Scenario, history []iterate, committed, stage1End int, state OptimizerState, costs []float64) *GuidanceResult {
	it := history[committed]
	n := len(it.X)
	res := &GuidanceResult{
		X:                  append([]Vec2(nil), it.X...),
		U:                  append([]Vec2(nil), it.U...),
		Wind:               append(WindField(nil), sc.Wind...),
		Times:              append([]float64(nil), sc.Profile.Times...),
		Altitudes:          append([]float64(nil), sc.Profile.Altitudes...),
		Speeds:             append([]float64(nil), sc.Speeds...),
		Target:             sc.Target,
		Release:            sc.Release,
		LandingPoint:       it.X[n-1],
		LandingError:       it.X[n-1].Sub(sc.Target).Norm(),
		Iterations:         len(history),
		CommittedIteration: committed,
		Stage1Iterations:   stage1End,
		State:              state,
		Costs:              append([]float64(nil), costs...),
		EpsH:               it.EpsH,
	}
	return res
}

// subproblem builds the convex subproblems of one optimization. The positions
// are affine in the controls and are eliminated, so the decision vector only
// holds u_1..u_(N-1), the landing error epigraph s and, in stage 2, eps_h.
type subproblem struct {
	params GuidanceParams
	sc     Scenario
	n      int
	dt     float64
	u0     Vec2
	ubar   []Vec2
}

func (s *subproblem) uIndex(k int) int { return 2 * (k - 1) }
func (s *subproblem) sIndex() int      { return 2 * (s.n - 1) }
func (s *subproblem) epsIndex() int    { return 2*(s.n-1) + 1 }

func (s *subproblem) dim(stage2 bool) int {
	if stage2 {
		return 2*(s.n-1) + 2
	}
	return 2*(s.n-1) + 1
}

// missCoef returns the coefficient of u_k (k ≥ 1) in the landing position.
func (s *subproblem) missCoef(k int) float64 {
	if k == s.n-1 {
		return s.dt / 2
	}
	return s.dt
}

// missOffset returns the part of the landing position that does not depend on
// the free controls, minus the target.
func (s *subproblem) missOffset() Vec2 {
	x := s.sc.Release.Add(s.u0.Scale(s.dt / 2)).Add(s.sc.Wind.Drift(s.dt))
	return x.Sub(s.sc.Target)
}

func (s *subproblem) build(stage2 bool) *socp.Problem {
	n, dt, v := s.n, s.dt, s.sc.Speeds
	dim := s.dim(stage2)
	P := mat.NewSymDense(dim, nil)
	q := make([]float64, dim)
	r := 0.0
	add := func(i, j int, val float64) {
		P.SetSym(i, j, P.At(i, j)+val)
	}

	// Control effort Σ ‖u_(k+1) - u_k‖² / (v_k² dt).
	for k := 0; k < n-1; k++ {
		w := 1 / (v[k] * v[k] * dt)
		a := s.uIndex(k + 1)
		for d := 0; d < 2; d++ {
			add(a+d, a+d, 2*w)
			if k == 0 {
				q[a+d] -= 2 * w * s.u0[d]
				continue
			}
			b := s.uIndex(k)
			add(b+d, b+d, 2*w)
			add(a+d, b+d, -2*w)
		}
		if k == 0 {
			r += w * s.u0.Dot(s.u0)
		}
	}
	// Final heading α2·(2 - h·u_(N-1)/v_(N-1)).
	last := s.uIndex(n - 1)
	for d := 0; d < 2; d++ {
		q[last+d] -= s.params.Alpha2 * s.params.FinalHeading[d] / v[n-1]
	}
	r += 2 * s.params.Alpha2
	// Landing error α1·s with ‖x_(N-1) - target‖ ≤ s.
	q[s.sIndex()] = s.params.Alpha1
	if stage2 {
		q[s.epsIndex()] = s.params.Alpha3
	}

	prob := &socp.Problem{Dim: dim, P: P, Q: q, R: r}
	for k := 1; k < n; k++ {
		i := s.uIndex(k)
		// Trust region around the linearization: ū_k·u_k ≥ v_k - eps_h and ‖u_k‖ ≤ v_k + eps_h.
		lower := socp.Halfspace{A: make([]float64, dim), B: -v[k]}
		lower.A[i], lower.A[i+1] = -s.ubar[k][0], -s.ubar[k][1]
		upper := socp.Cone{A: mat.NewDense(2, dim, nil), D: v[k]}
		upper.A.Set(0, i, 1)
		upper.A.Set(1, i+1, 1)
		if stage2 {
			lower.A[s.epsIndex()] = -1
			upper.C = make([]float64, dim)
			upper.C[s.epsIndex()] = 1
		} else {
			lower.B += s.params.EpsH
			upper.D += s.params.EpsH
		}
		prob.Halfspaces = append(prob.Halfspaces, lower)
		prob.Cones = append(prob.Cones, upper)
	}
	if stage2 {
		nonneg := socp.Halfspace{A: make([]float64, dim)}
		nonneg.A[s.epsIndex()] = -1
		prob.Halfspaces = append(prob.Halfspaces, nonneg)
	}
	// Turn rate ‖u_(k+1) - u_k‖ ≤ φ̇max·dt·v_k.
	for k := 0; k < n-1; k++ {
		turn := socp.Cone{A: mat.NewDense(2, dim, nil), D: s.params.TurnRateMax * dt * v[k]}
		a := s.uIndex(k + 1)
		turn.A.Set(0, a, 1)
		turn.A.Set(1, a+1, 1)
		if k == 0 {
			turn.B = []float64{-s.u0[0], -s.u0[1]}
		} else {
			b := s.uIndex(k)
			turn.A.Set(0, b, -1)
			turn.A.Set(1, b+1, -1)
		}
		prob.Cones = append(prob.Cones, turn)
	}
	off := s.missOffset()
	miss := socp.Cone{A: mat.NewDense(2, dim, nil), B: []float64{off[0], off[1]}, C: make([]float64, dim)}
	for k := 1; k < n; k++ {
		i := s.uIndex(k)
		miss.A.Set(0, i, s.missCoef(k))
		miss.A.Set(1, i+1, s.missCoef(k))
	}
	miss.C[s.sIndex()] = 1
	prob.Cones = append(prob.Cones, miss)
	return prob
}

// warmStart returns the controls at nominal speed along the linearization,
// which satisfy the trust region constraints strictly.
func (s *subproblem) warmStart(stage2 bool, eps float64) []float64 {
	z := make([]float64, s.dim(stage2))
	for k := 1; k < s.n; k++ {
		i := s.uIndex(k)
		u := s.ubar[k].Scale(s.sc.Speeds[k])
		z[i], z[i+1] = u[0], u[1]
	}
	X := s.rollout(s.controls(z))
	z[s.sIndex()] = X[s.n-1].Sub(s.sc.Target).Norm() + 1
	if stage2 {
		z[s.epsIndex()] = math.Max(eps, s.params.EpsH)
	}
	return z
}

// controls unpacks u_0..u_(N-1) from the decision vector.
func (s *subproblem) controls(z []float64) []Vec2 {
	U := make([]Vec2, s.n)
	U[0] = s.u0
	for k := 1; k < s.n; k++ {
		i := s.uIndex(k)
		U[k] = Vec2{z[i], z[i+1]}
	}
	return U
}

// rollout integrates x_(k+1) = x_k + dt/2·(u_k + u_(k+1)) + W_k·dt from the release.
func (s *subproblem) rollout(U []Vec2) []Vec2 {
	return Rollout(s.sc.Release, U, s.sc.Wind, s.dt)
}

// cost evaluates the objective on an iterate.
func (s *subproblem) cost(X, U []Vec2, eps float64, stage2 bool) float64 {
	n, v := s.n, s.sc.Speeds
	miss := X[n-1].Sub(s.sc.Target).Norm()
	angle := 2 - s.params.FinalHeading.Dot(U[n-1])/v[n-1]
	control := 0.0
	for k := 0; k < n-1; k++ {
		d := U[k+1].Sub(U[k]).Norm() / v[k]
		control += d * d / s.dt
	}
	c := s.params.Alpha1*miss + s.params.Alpha2*angle + control
	if stage2 {
		c += s.params.Alpha3 * eps
	}
	return c
}

// relinearize points ū_k along the new controls. Controls too short to carry a
// direction keep the previous linearization.
func (s *subproblem) relinearize(U []Vec2) {
	for k := 1; k < s.n; k++ {
		if U[k].Norm() >= minRelinearizeNorm {
			s.ubar[k] = U[k].Unit()
		}
	}
}

const minRelinearizeNorm = 1e-6

// Rollout integrates the trapezoidal dynamics x_(k+1) = x_k + dt/2·(u_k + u_(k+1)) + W_k·dt.
func Rollout(x0 Vec2, U []Vec2, wind WindField, dt float64) []Vec2 {
	X := make([]Vec2, len(U))
	X[0] = x0
	for k := 0; k < len(U)-1; k++ {
		X[k+1] = X[k].Add(U[k].Add(U[k+1]).Scale(dt / 2)).Add(wind[k].Scale(dt))
	}
	return X
}
