package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	plansCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chute_plans_total",
			Help: "Trajectory plans by outcome (converged, failed, invalid, wind)",
		},
		[]string{"outcome"},
	)
	iterationsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chute_scp_iterations",
		Help:    "Successive convexification iterations per plan",
		Buckets: prometheus.LinearBuckets(2, 4, 13),
	})
	landingErrorHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chute_landing_error_meters",
		Help:    "Distance between the planned landing point and the target",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	newtonHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chute_solver_newton_steps",
		Help:    "Newton steps per conic subproblem",
		Buckets: prometheus.ExponentialBuckets(4, 2, 9),
	})
	windFetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chute_wind_fetch_total",
			Help: "Wind forecast requests by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(plansCounter, iterationsHistogram, landingErrorHistogram, newtonHistogram, windFetchCounter)
}

// ObservePlan records the outcome of a planning request. The iteration
// count and landing error are only meaningful when a trajectory was computed.
func ObservePlan(outcome string, iterations int, landingError float64) {
	plansCounter.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		iterationsHistogram.Observe(float64(iterations))
		landingErrorHistogram.Observe(landingError)
	}
}

// ObserveSolve records the Newton steps of one conic subproblem.
func ObserveSolve(steps int) {
	newtonHistogram.Observe(float64(steps))
}

// ObserveWindFetch records a wind forecast request (hit, miss or error).
func ObserveWindFetch(result string) {
	windFetchCounter.WithLabelValues(result).Inc()
}
