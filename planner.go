package chute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/chutesim/chute/metrics"
)

// Request is a trajectory planning request. Latitude and longitude are the
// target, used directly as planar coordinates.
type Request struct {
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	Steps           int     `json:"steps"`
	HourIndex       int     `json:"hour_index"`
	ReleaseOffset   Vec2    `json:"release_offset"`   // release position relative to the target
	ReleaseAltitude float64 `json:"release_altitude"` // m
	TargetAltitude  float64 `json:"target_altitude"`  // m
}

// NewRequest returns a request for a release right above the target at the
// default altitude, on n steps of the first forecast hour.
func NewRequest(lat, lon float64, n int) Request {
	return Request{Lat: lat, Lon: lon, Steps: n, ReleaseAltitude: DefaultAtmosphere().Z0}
}

// Target returns the target position.
func (r Request) Target() Vec2 {
	return Vec2{r.Lat, r.Lon}
}

// Release returns the release position.
func (r Request) Release() Vec2 {
	return r.Target().Add(r.ReleaseOffset)
}

// Validate returns a ValidationError if the request cannot be planned.
func (r Request) Validate() error {
	switch {
	case math.IsNaN(r.Lat) || math.IsNaN(r.Lon) || math.IsInf(r.Lat, 0) || math.IsInf(r.Lon, 0):
		return invalid("coordinates", "(%f, %f) is not a location", r.Lat, r.Lon)
	case math.IsNaN(r.ReleaseOffset[0]) || math.IsNaN(r.ReleaseOffset[1]):
		return invalid("release offset", "is not a number")
	case r.Steps < 2:
		return invalid("steps", "need at least 2, got %d", r.Steps)
	case r.HourIndex < 0:
		return invalid("hour index", "must be non negative, got %d", r.HourIndex)
	case !(r.ReleaseAltitude > 0):
		return invalid("release altitude", "must be positive, got %g", r.ReleaseAltitude)
	case !(r.ReleaseAltitude > r.TargetAltitude):
		return invalid("release altitude", "%g m is not above the target altitude %g m", r.ReleaseAltitude, r.TargetAltitude)
	}
	return nil
}

// Planner plans trajectories from wind forecasts.
type Planner struct {
	Atmosphere Atmosphere
	Guidance   GuidanceParams
	Provider   WindProvider
	Solver     ConicSolver
	logger     kitlog.Logger
}

// NewPlanner returns a new planner. A nil solver selects the barrier solver
// of package socp and a nil logger discards the logs.
func NewPlanner(atm Atmosphere, guidance GuidanceParams, provider WindProvider, solver ConicSolver, logger kitlog.Logger) *Planner {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Planner{Atmosphere: atm, Guidance: guidance, Provider: provider, Solver: solver, logger: logger}
}

// PlanTrajectory fetches the wind at the target and optimizes the descent.
// Errors are a *ValidationError, a *WindDataError or an *OptimizationFailure,
// except when ctx is done before the optimization starts: the error then
// wraps ctx.Err().
func (p *Planner) PlanTrajectory(ctx context.Context, req Request) (*GuidanceResult, error) {
	res, err := p.plan(ctx, req)
	var (
		verr *ValidationError
		werr *WindDataError
	)
	switch {
	case err == nil:
		metrics.ObservePlan("converged", res.Iterations, res.LandingError)
	case errors.As(err, &verr):
		metrics.ObservePlan("invalid", 0, 0)
	case errors.As(err, &werr):
		metrics.ObservePlan("wind", 0, 0)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.ObservePlan("canceled", 0, 0)
	default:
		metrics.ObservePlan("failed", 0, 0)
	}
	return res, err
}

func (p *Planner) plan(ctx context.Context, req Request) (*GuidanceResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := p.Guidance.Validate(); err != nil {
		return nil, err
	}
	atm := p.Atmosphere.WithRelease(req.ReleaseAltitude - req.TargetAltitude)
	wind, profile, err := BuildWindField(ctx, p.Provider, req.Lat, req.Lon, req.HourIndex, req.Steps, atm)
	if err != nil {
		level.Error(p.logger).Log("subsys", "wind", "lat", req.Lat, "lon", req.Lon, "err", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("planning to (%g, %g) interrupted: %w", req.Lat, req.Lon, err)
	}
	sc := Scenario{
		Profile: profile,
		Speeds:  atm.SpeedProfile(profile),
		Wind:    wind,
		Release: req.Release(),
		Target:  req.Target(),
	}
	logger := kitlog.With(p.logger, "lat", req.Lat, "lon", req.Lon)
	level.Info(logger).Log("subsys", "planner", "steps", req.Steps, "dt", profile.Step, "tf", profile.Times[req.Steps-1])
	res, err := NewTrajectoryOptimizer(p.Guidance, p.Solver, logger).Optimize(sc)
	if err != nil {
		return nil, err
	}
	level.Info(logger).Log("subsys", "planner", "state", res.State, "iterations", res.Iterations, "error(m)", res.LandingError)
	return res, nil
}

// PlanBatch plans independent requests in parallel. The i-th result or error
// corresponds to the i-th request.
func (p *Planner) PlanBatch(ctx context.Context, reqs []Request) ([]*GuidanceResult, []error) {
	results := make([]*GuidanceResult, len(reqs))
	errs := make([]error, len(reqs))
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, req := range reqs {
		eg.Go(func() error {
			results[i], errs[i] = p.PlanTrajectory(ctx, req)
			return nil
		})
	}
	eg.Wait()
	return results, errs
}

// RandomOffset returns a release offset drawn uniformly in [-rangeM, rangeM]².
func RandomOffset(rng *rand.Rand, rangeM float64) Vec2 {
	return Vec2{(2*rng.Float64() - 1) * rangeM, (2*rng.Float64() - 1) * rangeM}
}
