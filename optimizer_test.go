package chute

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"

	"github.com/chutesim/chute/socp"
)

// countingSolver counts the subproblems, records their optimal objectives and
// fails from call number failAt on (when positive).
type countingSolver struct {
	calls      int
	failAt     int
	next       ConicSolver
	objectives []float64
}

func (c *countingSolver) Solve(p *socp.Problem, start []float64) (socp.Solution, error) {
	c.calls++
	if c.failAt > 0 && c.calls >= c.failAt {
		return socp.Solution{Status: socp.Infeasible}, socp.ErrInfeasible
	}
	sol, err := c.next.Solve(p, start)
	if err == nil {
		c.objectives = append(c.objectives, sol.Objective)
	}
	return sol, err
}

func testScenario(t *testing.T, n int, wind Vec2, release, target Vec2) Scenario {
	atm := DefaultAtmosphere()
	prof, err := atm.Profile(n)
	if err != nil {
		t.Fatal(err)
	}
	return Scenario{
		Profile: prof,
		Speeds:  atm.SpeedProfile(prof),
		Wind:    UniformWindField(n, wind),
		Release: release,
		Target:  target,
	}
}

func TestSubproblemMatchesRollout(t *testing.T) {
	sc := testScenario(t, 7, Vec2{2, -1}, Vec2{10, 20}, Vec2{-300, 400})
	params := DefaultGuidance()
	sub := subproblem{params: params, sc: sc, n: 7, dt: sc.Profile.Step, u0: Heading(0).Scale(sc.Speeds[0])}
	sub.ubar = make([]Vec2, 7)
	for k := range sub.ubar {
		sub.ubar[k] = Heading(0)
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for _, stage2 := range []bool{false, true} {
		prob := sub.build(stage2)
		if err := prob.Validate(); err != nil {
			t.Fatal(err)
		}
		z := make([]float64, prob.Dim)
		for i := range z {
			z[i] = 20 * (rng.Float64() - 0.5)
		}
		U := sub.controls(z)
		X := sub.rollout(U)
		miss := X[6].Sub(sc.Target).Norm()
		z[sub.sIndex()] = miss
		eps := params.EpsH
		if stage2 {
			eps = math.Abs(z[sub.epsIndex()])
			z[sub.epsIndex()] = eps
		}
		// With s at the true landing error, the objective is the iteration cost.
		if obj, cost := prob.Objective(z), sub.cost(X, U, eps, stage2); !scalar.EqualWithinAbs(obj, cost, 1e-8*math.Max(1, cost)) {
			t.Fatalf("stage2=%v: objective %f != cost %f", stage2, obj, cost)
		}
		// The landing cone evaluates the rolled out landing error.
		landing := prob.Cones[len(prob.Cones)-1]
		var w mat.VecDense
		w.MulVec(landing.A, mat.NewVecDense(len(z), z))
		w.AddVec(&w, mat.NewVecDense(2, landing.B))
		if !scalar.EqualWithinAbs(mat.Norm(&w, 2), miss, 1e-9*math.Max(1, miss)) {
			t.Fatalf("stage2=%v: landing cone %f != %f", stage2, mat.Norm(&w, 2), miss)
		}
	}
}

func TestRollout(t *testing.T) {
	U := []Vec2{{1, 0}, {1, 0}, {0, 1}}
	X := Rollout(Vec2{0, 0}, U, UniformWindField(3, Vec2{0, 1}), 2)
	// x1 = (2, 0) + (0, 2), x2 = x1 + (1, 1) + (0, 2).
	if !vecEqual(X[1], Vec2{2, 2}, 1e-15) || !vecEqual(X[2], Vec2{3, 5}, 1e-15) {
		t.Fatalf("X=%v", X)
	}
}

func TestConvergenceTracker(t *testing.T) {
	var c ConvergenceTracker
	if c.Converged(1) {
		t.Fatal("empty tracker converged")
	}
	c.Record(10)
	if c.Converged(1) {
		t.Fatal("single cost converged")
	}
	c.Record(9.5)
	if !c.Converged(1) || c.Converged(0.5) {
		t.Fatal("|10-9.5| should only be below 1")
	}
}

func TestOptimizerStateString(t *testing.T) {
	for s := Init; s <= Failed; s++ {
		txt, err := s.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back OptimizerState
		if err := back.UnmarshalText(txt); err != nil || back != s {
			t.Fatalf("%s did not round trip: %s %v", s, back, err)
		}
	}
	defer func() {
		if recover() == nil {
			t.Fatal("unknown state did not panic")
		}
	}()
	_ = OptimizerState(42).String()
}

func assertTurnRates(t *testing.T, res *GuidanceResult, max float64) {
	for k, r := range res.TurnRates() {
		if r > max*(1+1e-6) {
			t.Fatalf("turn rate %f rad/s at step %d exceeds %f", r, k, max)
		}
	}
}

// Zero wind and a target right below the release.
func TestScenarioA(t *testing.T) {
	sc := testScenario(t, 31, Vec2{}, Vec2{}, Vec2{})
	res, err := NewTrajectoryOptimizer(DefaultGuidance(), nil, nil).Optimize(sc)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Converged {
		t.Fatalf("state %s", res.State)
	}
	if res.LandingError >= 1 {
		t.Fatalf("landing error %f m", res.LandingError)
	}
	if res.Iterations > 50 || res.CommittedIteration != res.Iterations-1 {
		t.Fatalf("%d iterations, committed %d", res.Iterations, res.CommittedIteration)
	}
	if res.Stage1Iterations < 2 || res.Stage1Iterations >= res.Iterations {
		t.Fatalf("stage 1 took %d of %d iterations", res.Stage1Iterations, res.Iterations)
	}
	if res.X[0] != sc.Release || res.U[0] != Heading(0).Scale(sc.Speeds[0]) {
		t.Fatalf("initial conditions x0=%v u0=%v", res.X[0], res.U[0])
	}
	assertTurnRates(t, res, DefaultGuidance().TurnRateMax)
	// The dynamics hold exactly along the committed iterate.
	X := Rollout(res.Release, res.U, res.Wind, res.Step())
	for k := range X {
		if !vecEqual(X[k], res.X[k], 1e-9) {
			t.Fatalf("x[%d]=%v expected %v", k, res.X[k], X[k])
		}
	}
}

// Constant wind: the glide must hold upwind to land back on the release point.
func TestScenarioB(t *testing.T) {
	w0 := Vec2{3, 1}
	sc := testScenario(t, 31, w0, Vec2{}, Vec2{})
	res, err := NewTrajectoryOptimizer(DefaultGuidance(), nil, nil).Optimize(sc)
	if err != nil {
		t.Fatal(err)
	}
	if res.LandingError >= 1 {
		t.Fatalf("landing error %f m", res.LandingError)
	}
	dt := res.Step()
	tf := res.Times[len(res.Times)-1]
	var glide Vec2
	for k := 0; k < len(res.U)-1; k++ {
		glide = glide.Add(res.U[k].Add(res.U[k+1]).Scale(dt / 2))
	}
	// The glide displacement cancels the drift ΣW0·dt = W0·tf.
	drift := sc.Wind.Drift(dt)
	if !vecEqual(drift, w0.Scale(tf), 1e-9) {
		t.Fatalf("drift %v expected %v", drift, w0.Scale(tf))
	}
	if glide.Dot(w0) >= 0 {
		t.Fatalf("no upwind bias: glide displacement %v, wind %v", glide, w0)
	}
	if miss := glide.Add(drift).Norm(); !scalar.EqualWithinAbs(miss, res.LandingError, 1e-6) {
		t.Fatalf("glide+drift misses by %f, landing error %f", miss, res.LandingError)
	}
	assertTurnRates(t, res, DefaultGuidance().TurnRateMax)

	// Unguided, the wind moves the landing point by the same drift.
	atm := DefaultAtmosphere()
	calm, err := SimulateUnguided(atm, nil, Vec2{}, 0, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	windy, err := SimulateUnguided(atm, UniformProfile(w0), Vec2{}, 0, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	shift := windy[len(windy)-1].X.Sub(calm[len(calm)-1].X)
	if !vecEqual(shift, drift, 1e-6) {
		t.Fatalf("unguided shift %v expected %v", shift, drift)
	}
}

// An unreachable tolerance exhausts the iteration budget.
func TestScenarioD(t *testing.T) {
	params := DefaultGuidance()
	params.Tolerance = 0
	params.MaxIter = 4
	sc := testScenario(t, 11, Vec2{1, 1}, Vec2{}, Vec2{200, 100})
	res, err := NewTrajectoryOptimizer(params, nil, nil).Optimize(sc)
	if res != nil {
		t.Fatalf("unexpected result %s", res)
	}
	var failure *OptimizationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected an OptimizationFailure, got %v", err)
	}
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ErrNotConverged, got %v", failure.Err)
	}
	if failure.Last == nil || failure.Last.State != Failed {
		t.Fatalf("last iterate %v", failure.Last)
	}
	if len(failure.Costs) != 4 || failure.Last.Iterations != 4 || failure.Iteration != 3 {
		t.Fatalf("%d costs, %d iterations, failed at %d", len(failure.Costs), failure.Last.Iterations, failure.Iteration)
	}
	if failure.Last.Cost() != failure.Costs[3] {
		t.Fatalf("last cost %f != %f", failure.Last.Cost(), failure.Costs[3])
	}
}

func TestSolverFailure(t *testing.T) {
	solver := &countingSolver{failAt: 3, next: socp.NewSolver()}
	sc := testScenario(t, 11, Vec2{}, Vec2{}, Vec2{100, 100})
	_, err := NewTrajectoryOptimizer(DefaultGuidance(), solver, nil).Optimize(sc)
	var failure *OptimizationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected an OptimizationFailure, got %v", err)
	}
	if !errors.Is(err, ErrNoSolution) || !errors.Is(err, socp.ErrInfeasible) {
		t.Fatalf("unexpected cause %v", err)
	}
	if solver.calls != 3 || failure.Iteration != 2 || failure.State != Stage1Solving {
		t.Fatalf("%d calls, failed at %d in %s", solver.calls, failure.Iteration, failure.State)
	}
	if failure.Last == nil || failure.Last.CommittedIteration != 1 {
		t.Fatalf("last iterate %v", failure.Last)
	}

	solver = &countingSolver{failAt: 1, next: socp.NewSolver()}
	_, err = NewTrajectoryOptimizer(DefaultGuidance(), solver, nil).Optimize(sc)
	if !errors.As(err, &failure) || failure.Last != nil {
		t.Fatalf("first solve failure: %v", err)
	}
}

func TestDeterminism(t *testing.T) {
	sc := testScenario(t, 21, Vec2{-2, 4}, Vec2{150, -80}, Vec2{})
	opt := NewTrajectoryOptimizer(DefaultGuidance(), nil, nil)
	a, errA := opt.Optimize(sc)
	b, errB := opt.Optimize(sc)
	if errA != nil || errB != nil {
		t.Fatal(errA, errB)
	}
	if a.Iterations != b.Iterations {
		t.Fatalf("%d != %d iterations", a.Iterations, b.Iterations)
	}
	for k := range a.X {
		if a.X[k] != b.X[k] || a.U[k] != b.U[k] {
			t.Fatalf("runs differ at step %d", k)
		}
	}
}

func TestLandingWeightSensitivity(t *testing.T) {
	sc := testScenario(t, 21, Vec2{1, -1}, Vec2{}, Vec2{-600, 900})
	var errs []float64
	for _, α1 := range []float64{10, 100, 1000} {
		params := DefaultGuidance()
		params.Alpha1 = α1
		res, err := NewTrajectoryOptimizer(params, nil, nil).Optimize(sc)
		if err != nil {
			t.Fatalf("α1=%f: %s", α1, err)
		}
		assertTurnRates(t, res, params.TurnRateMax)
		errs = append(errs, res.LandingError)
	}
	for i := 1; i < len(errs); i++ {
		if errs[i] > errs[i-1]+0.5 {
			t.Fatalf("landing errors %v increase with α1", errs)
		}
	}
}

// Releases up to 600 m away from the target in a steady wind.
func TestOffsetRelease(t *testing.T) {
	rng := rand.New(rand.NewPCG(2024, 600))
	cases := []struct {
		offset Vec2
		wind   Vec2
	}{
		{Vec2{450, -380}, Vec2{5, -3}},
		{RandomOffset(rng, 600), Vec2{-2, 4}},
		{RandomOffset(rng, 600), Vec2{3, 1}},
	}
	target := Vec2{47.3388, -81.9141}
	for _, c := range cases {
		solver := &countingSolver{next: socp.NewSolver()}
		sc := testScenario(t, 31, c.wind, target.Add(c.offset), target)
		res, err := NewTrajectoryOptimizer(DefaultGuidance(), solver, nil).Optimize(sc)
		if err != nil {
			t.Fatalf("offset %v wind %v: %s", c.offset, c.wind, err)
		}
		if res.State != Converged || res.LandingError >= 1 {
			t.Fatalf("offset %v wind %v: %s with a landing error of %f m", c.offset, c.wind, res.State, res.LandingError)
		}
		if len(solver.objectives) != res.Iterations {
			t.Fatalf("%d objectives for %d iterations", len(solver.objectives), res.Iterations)
		}
		for i, obj := range solver.objectives {
			if math.IsNaN(obj) || math.IsInf(obj, 0) || math.Abs(obj) > 1e7 {
				t.Fatalf("offset %v: subproblem #%d objective %g", c.offset, i, obj)
			}
		}
		assertTurnRates(t, res, DefaultGuidance().TurnRateMax)
	}
}

func TestOptimizerValidation(t *testing.T) {
	opt := NewTrajectoryOptimizer(DefaultGuidance(), nil, nil)
	sc := testScenario(t, 11, Vec2{}, Vec2{}, Vec2{})
	bad := sc
	bad.Wind = bad.Wind[:5]
	if _, err := opt.Optimize(bad); err == nil {
		t.Fatal("mismatched wind field should fail")
	}
	bad = sc
	bad.Speeds = append([]float64{0}, sc.Speeds[1:]...)
	if _, err := opt.Optimize(bad); err == nil {
		t.Fatal("null speed should fail")
	}
	params := DefaultGuidance()
	params.TurnRateMax = 0
	var verr *ValidationError
	if _, err := NewTrajectoryOptimizer(params, nil, nil).Optimize(sc); !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
}
