package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chutesim/chute"
)

var (
	confDir string
	addr    string
)

func init() {
	flag.StringVar(&confDir, "config", "", "directory of conf.toml (default $"+chute.ConfigEnv+")")
	flag.StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
}

func newRouter(srv *server) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/trajectory", srv.trajectoryHandler).Methods("POST")
	router.HandleFunc("/trajectories", srv.batchHandler).Methods("POST")
	router.HandleFunc("/wind/{lat}/{lon}", srv.windHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

func main() {
	flag.Parse()
	conf, err := chute.LoadConfig(confDir)
	if err != nil {
		log.Fatal(err)
	}
	if addr == "" {
		addr = conf.ServerAddr
	}
	logger, closer := chute.NewLogger(conf.Log)
	defer closer.Close()

	provider := conf.Provider()
	srv := &server{
		planner:  chute.NewPlanner(conf.Atmosphere, conf.Guidance, provider, nil, logger),
		provider: provider,
		logger:   logger,
	}
	httpSrv := &http.Server{Addr: addr, Handler: newRouter(srv), ReadHeaderTimeout: 10 * time.Second}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		httpSrv.Shutdown(shutdown)
	}()

	level.Info(logger).Log("subsys", "http", "addr", addr, "status", "listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		level.Error(logger).Log("subsys", "http", "err", err)
		os.Exit(1)
	}
}
