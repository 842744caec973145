package socp

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

func TestUnitDisk(t *testing.T) {
	// minimize -x-y such that ‖(x, y)‖ ≤ 1.
	p := &Problem{
		Dim:   2,
		Q:     []float64{-1, -1},
		Cones: []Cone{{A: mat.NewDense(2, 2, []float64{1, 0, 0, 1}), D: 1}},
	}
	sol, err := NewSolver().Solve(p, nil)
	if err != nil {
		t.Fatalf("solve failed: %s", err)
	}
	if sol.Status != Optimal {
		t.Fatalf("status=%s", sol.Status)
	}
	exp := 1 / math.Sqrt2
	if !scalar.EqualWithinAbs(sol.Z[0], exp, 1e-6) || !scalar.EqualWithinAbs(sol.Z[1], exp, 1e-6) {
		t.Fatalf("z=%v expected (%f, %f)", sol.Z, exp, exp)
	}
	if !scalar.EqualWithinAbs(sol.Objective, -math.Sqrt2, 1e-6) {
		t.Fatalf("objective=%f", sol.Objective)
	}
}

func TestBoundedQuadratic(t *testing.T) {
	// minimize ½(x-3)² such that x ≤ 1, started outside of the feasible set.
	p := &Problem{
		Dim:        1,
		P:          mat.NewSymDense(1, []float64{1}),
		Q:          []float64{-3},
		R:          4.5,
		Halfspaces: []Halfspace{{A: []float64{1}, B: 1}},
	}
	for _, start := range [][]float64{nil, {5}, {-20}} {
		sol, err := NewSolver().Solve(p, start)
		if err != nil {
			t.Fatalf("start %v: %s", start, err)
		}
		if !scalar.EqualWithinAbs(sol.Z[0], 1, 1e-6) {
			t.Fatalf("start %v: x=%f", start, sol.Z[0])
		}
		if !scalar.EqualWithinAbs(sol.Objective, 2, 1e-6) {
			t.Fatalf("start %v: objective=%f", start, sol.Objective)
		}
	}
}

func TestEpigraphCone(t *testing.T) {
	// minimize s such that ‖(x, y) - (3, 4)‖ ≤ s and ‖(x, y)‖ ≤ 2: the closest
	// point of the disk is (1.2, 1.6) at distance 3.
	A := mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0})
	p := &Problem{
		Dim: 3,
		Q:   []float64{0, 0, 1},
		Cones: []Cone{
			{A: A, B: []float64{-3, -4}, C: []float64{0, 0, 1}},
			{A: A, D: 2},
		},
	}
	sol, err := NewSolver().Solve(p, nil)
	if err != nil {
		t.Fatalf("solve failed: %s", err)
	}
	if !scalar.EqualWithinAbs(sol.Z[0], 1.2, 1e-5) || !scalar.EqualWithinAbs(sol.Z[1], 1.6, 1e-5) {
		t.Fatalf("z=%v", sol.Z)
	}
	if !scalar.EqualWithinAbs(sol.Objective, 3, 1e-6) {
		t.Fatalf("objective=%f", sol.Objective)
	}
	if v := p.Violation(sol.Z); v > 0 {
		t.Fatalf("solution violates constraints by %g", v)
	}
}

func TestEpigraphFromInfeasibleStart(t *testing.T) {
	// Same as above, started where both cones are violated and the epigraph
	// variable is free to grow without bound in the feasibility search.
	A := mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0})
	p := &Problem{
		Dim: 3,
		Q:   []float64{0, 0, 1},
		Cones: []Cone{
			{A: A, B: []float64{-3, -4}, C: []float64{0, 0, 1}},
			{A: A, D: 2},
		},
	}
	for _, start := range [][]float64{{10, -10, 0}, {0, 0, -50}, {1, 1, 1}} {
		sol, err := NewSolver().Solve(p, start)
		if err != nil {
			t.Fatalf("start %v: %s", start, err)
		}
		if !scalar.EqualWithinAbs(sol.Z[0], 1.2, 1e-5) || !scalar.EqualWithinAbs(sol.Z[1], 1.6, 1e-5) || !scalar.EqualWithinAbs(sol.Z[2], 3, 1e-5) {
			t.Fatalf("start %v: z=%v", start, sol.Z)
		}
	}
}

func TestLargeObjectiveOffset(t *testing.T) {
	// A large constant must not loosen the stopping criterion.
	p := &Problem{
		Dim:        1,
		P:          mat.NewSymDense(1, []float64{1}),
		Q:          []float64{-3},
		R:          1e9,
		Halfspaces: []Halfspace{{A: []float64{1}, B: 1}},
	}
	sol, err := NewSolver().Solve(p, []float64{0})
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(sol.Z[0], 1, 1e-6) {
		t.Fatalf("x=%f", sol.Z[0])
	}
}

func TestCenteringBudget(t *testing.T) {
	p := &Problem{
		Dim:   2,
		Q:     []float64{-1, -1},
		Cones: []Cone{{A: mat.NewDense(2, 2, []float64{1, 0, 0, 1}), D: 1}},
	}
	s := NewSolver()
	s.MaxNewton = 1
	sol, err := s.Solve(p, nil)
	if !errors.Is(err, ErrNumerical) || sol.Status != Numerical {
		t.Fatalf("expected a numerical failure, got %v with status %s", err, sol.Status)
	}
	s = NewSolver()
	s.MaxOuter = 2
	if _, err := s.Solve(p, nil); !errors.Is(err, ErrNumerical) {
		t.Fatalf("expected a numerical failure, got %v", err)
	}
}

func TestInfeasible(t *testing.T) {
	// x ≤ -1 and x ≥ 1.
	p := &Problem{
		Dim:        1,
		Q:          []float64{1},
		Halfspaces: []Halfspace{{A: []float64{1}, B: -1}, {A: []float64{-1}, B: -1}},
	}
	sol, err := NewSolver().Solve(p, nil)
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("expected ErrInfeasible, got %v", err)
	}
	if sol.Status != Infeasible {
		t.Fatalf("status=%s", sol.Status)
	}
}

func TestValidate(t *testing.T) {
	bad := []*Problem{
		{Dim: 0},
		{Dim: 2, Q: []float64{1}},
		{Dim: 2, Halfspaces: []Halfspace{{A: []float64{1}, B: 0}}},
		{Dim: 2, Cones: []Cone{{A: mat.NewDense(1, 3, nil)}}},
		{Dim: 2, Cones: []Cone{{A: mat.NewDense(2, 2, nil), B: []float64{1}}}},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("problem #%d should not validate", i)
		}
	}
}
