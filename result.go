package chute

import "fmt"

// GuidanceResult is the committed (or last, on failure) iterate of the
// optimizer together with the data it was computed from.
type GuidanceResult struct {
	X                  []Vec2         `json:"x" msgpack:"x"` // positions, k = 0..N-1
	U                  []Vec2         `json:"u" msgpack:"u"` // glide velocities, k = 0..N-1
	Wind               WindField      `json:"wind" msgpack:"wind"`
	Times              []float64      `json:"times" msgpack:"times"`
	Altitudes          []float64      `json:"altitudes" msgpack:"altitudes"`
	Speeds             []float64      `json:"speeds" msgpack:"speeds"`
	Target             Vec2           `json:"target" msgpack:"target"`
	Release            Vec2           `json:"release" msgpack:"release"`
	LandingPoint       Vec2           `json:"landing_point" msgpack:"landing_point"`
	LandingError       float64        `json:"landing_error" msgpack:"landing_error"`
	Iterations         int            `json:"iterations" msgpack:"iterations"`
	CommittedIteration int            `json:"committed_iteration" msgpack:"committed_iteration"`
	Stage1Iterations   int            `json:"stage1_iterations" msgpack:"stage1_iterations"`
	State              OptimizerState `json:"state" msgpack:"state"`
	Costs              []float64      `json:"costs" msgpack:"costs"`
	EpsH               float64        `json:"eps_h" msgpack:"eps_h"`
}

// Steps returns the number of time steps N.
func (r *GuidanceResult) Steps() int {
	return len(r.X)
}

// Step returns dt.
func (r *GuidanceResult) Step() float64 {
	if len(r.Times) < 2 {
		return 0
	}
	return r.Times[1] - r.Times[0]
}

// TurnRates returns ‖u_(k+1) - u_k‖ / (dt·v_k) for k = 0..N-2.
func (r *GuidanceResult) TurnRates() []float64 {
	dt := r.Step()
	rates := make([]float64, len(r.U)-1)
	for k := range rates {
		rates[k] = r.U[k+1].Sub(r.U[k]).Norm() / (dt * r.Speeds[k])
	}
	return rates
}

// Cost returns the final cost of the result.
func (r *GuidanceResult) Cost() float64 {
	if len(r.Costs) == 0 {
		return 0
	}
	return r.Costs[len(r.Costs)-1]
}

func (r *GuidanceResult) String() string {
	return fmt.Sprintf("%s after %d iterations: landed at (%.2f, %.2f), %.2f m from (%.2f, %.2f)",
		r.State, r.Iterations, r.LandingPoint[0], r.LandingPoint[1], r.LandingError, r.Target[0], r.Target[1])
}
