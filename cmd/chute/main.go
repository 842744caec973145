package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/chutesim/chute"
)

// Plans one trajectory to the target and prints a summary.

var (
	lat, lon     float64
	steps, hour  int
	offsetX      float64
	offsetY      float64
	randomRange  float64
	seed         uint64
	confDir      string
	outDir       string
	asCSV        bool
	archive      bool
	unguided     bool
	gust         float64
	hourOverride string
)

func init() {
	flag.Float64Var(&lat, "lat", 47.3388, "target latitude (used as a planar coordinate)")
	flag.Float64Var(&lon, "lon", -81.9141, "target longitude (used as a planar coordinate)")
	flag.IntVar(&steps, "n", 31, "number of time steps")
	flag.IntVar(&hour, "hour", 0, "forecast hour index")
	flag.StringVar(&hourOverride, "at", "", "forecast hour as 2006-01-02T15:04 in the local time of the target (overrides -hour)")
	flag.Float64Var(&offsetX, "dx", 0, "release offset from the target along the first axis (m)")
	flag.Float64Var(&offsetY, "dy", 0, "release offset from the target along the second axis (m)")
	flag.Float64Var(&randomRange, "random", 0, "draw the release offset uniformly within ± this range (m)")
	flag.Uint64Var(&seed, "seed", 0, "seed of -random and -gust (0 picks one)")
	flag.StringVar(&confDir, "config", "", "directory of conf.toml (default $"+chute.ConfigEnv+")")
	flag.StringVar(&outDir, "out", ".", "output directory")
	flag.BoolVar(&asCSV, "csv", false, "write the trajectory as CSV")
	flag.BoolVar(&archive, "archive", false, "write the result as a compressed msgpack archive")
	flag.BoolVar(&unguided, "unguided", false, "also simulate the unguided descent")
	flag.Float64Var(&gust, "gust", 0, "standard deviation of the gusts of the unguided descent (m/s)")
}

func main() {
	flag.Parse()
	conf, err := chute.LoadConfig(confDir)
	if err != nil {
		log.Fatal(err)
	}
	logger, closer := chute.NewLogger(conf.Log)
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	provider := conf.Provider()
	req := chute.NewRequest(lat, lon, steps)
	req.ReleaseAltitude = conf.Atmosphere.Z0
	req.HourIndex = hour
	req.ReleaseOffset = chute.Vec2{offsetX, offsetY}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if randomRange > 0 {
		req.ReleaseOffset = chute.RandomOffset(rand.New(rand.NewPCG(seed, seed)), randomRange)
		log.Printf("random release offset (%.1f, %.1f) m with seed %d", req.ReleaseOffset[0], req.ReleaseOffset[1], seed)
	}
	if hourOverride != "" {
		fc, err := provider.Forecast(ctx, lat, lon)
		if err != nil {
			log.Fatal(err)
		}
		loc := time.UTC
		if fc.Hours() > 0 {
			loc = fc.Times[0].Location()
		}
		at, err := time.ParseInLocation("2006-01-02T15:04", hourOverride, loc)
		if err != nil {
			log.Fatalf("-at: %s", err)
		}
		if req.HourIndex = fc.HourIndex(at); req.HourIndex < 0 {
			log.Fatalf("%s is outside of the forecast", hourOverride)
		}
	}

	planner := chute.NewPlanner(conf.Atmosphere, conf.Guidance, provider, nil, logger)
	start := time.Now()
	res, err := planner.PlanTrajectory(ctx, req)
	if err != nil {
		var failure *chute.OptimizationFailure
		if errors.As(err, &failure) && failure.Last != nil {
			log.Printf("last iterate: %s", failure.Last)
		}
		log.Fatal(err)
	}
	fmt.Printf("%s (%s)\n", res, time.Since(start))
	fmt.Printf("stage 1: %d iterations, total: %d, eps_h=%.4f, cost=%.3f\n", res.Stage1Iterations, res.Iterations, res.EpsH, res.Cost())

	if unguided {
		fc, err := provider.Forecast(ctx, lat, lon)
		if err != nil {
			log.Fatal(err)
		}
		wp, err := fc.Profile(req.HourIndex)
		if err != nil {
			log.Fatal(err)
		}
		var turb *chute.Turbulence
		if gust > 0 {
			if turb, err = chute.NewTurbulence(gust, seed); err != nil {
				log.Fatal(err)
			}
		}
		atm := conf.Atmosphere.WithRelease(req.ReleaseAltitude - req.TargetAltitude)
		drift, err := chute.SimulateUnguided(atm, wp, req.Release(), conf.Guidance.Heading, res.Step()/10, turb)
		if err != nil {
			log.Fatal(err)
		}
		landing := drift[len(drift)-1].X
		fmt.Printf("unguided landing at (%.2f, %.2f), %.2f m from the target\n", landing[0], landing[1], landing.Sub(req.Target()).Norm())
	}

	exp := chute.ExportConfig{Filename: fmt.Sprintf("%.4f_%.4f", lat, lon), Dir: outDir, AsCSV: asCSV, Archive: archive, Timestamp: true}
	if exp.IsUseless() {
		return
	}
	paths, err := chute.Export(exp, res)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range paths {
		fmt.Printf("saved %s\n", p)
	}
}
