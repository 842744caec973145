package chute

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats/scalar"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Atmosphere != DefaultAtmosphere() {
		t.Fatalf("atmosphere %+v", cfg.Atmosphere)
	}
	g := DefaultGuidance()
	if cfg.Guidance.Alpha1 != g.Alpha1 || cfg.Guidance.MaxIter != g.MaxIter || cfg.Guidance.Tolerance != g.Tolerance {
		t.Fatalf("guidance %+v", cfg.Guidance)
	}
	if !vecEqual(cfg.Guidance.FinalHeading, Vec2{0, 1}, 1e-12) {
		t.Fatalf("final heading %v", cfg.Guidance.FinalHeading)
	}
	if cfg.Wind.BaseURL != DefaultOpenMeteoURL || cfg.Wind.Timeout != 10*time.Second || cfg.Wind.CacheTTL != 15*time.Minute {
		t.Fatalf("wind %+v", cfg.Wind)
	}
	if cfg.Log.Level != "info" || cfg.ServerAddr != ":8080" {
		t.Fatalf("log level %s on %s", cfg.Log.Level, cfg.ServerAddr)
	}
	if cfg.Provider().BaseURL != DefaultOpenMeteoURL {
		t.Fatal("provider does not use the configured URL")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	conf := `[atmosphere]
release_altitude = 900.0

[guidance]
alpha1 = 250.0
heading_deg = 90.0

[wind]
base_url = "http://localhost:9999"
cache_ttl = "1m"

[log]
level = "debug"
`
	if err := os.WriteFile(filepath.Join(dir, "conf.toml"), []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnv, dir)
	t.Setenv("CHUTE_GUIDANCE_MAX_ITER", "12")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Atmosphere.Z0 != 900 || cfg.Atmosphere.Vz0 != DefaultAtmosphere().Vz0 {
		t.Fatalf("atmosphere %+v", cfg.Atmosphere)
	}
	if cfg.Guidance.Alpha1 != 250 || cfg.Guidance.MaxIter != 12 {
		t.Fatalf("guidance %+v", cfg.Guidance)
	}
	if !scalar.EqualWithinAbs(cfg.Guidance.Heading, 1.5707963267948966, 1e-12) {
		t.Fatalf("heading %f", cfg.Guidance.Heading)
	}
	if cfg.Wind.BaseURL != "http://localhost:9999" || cfg.Wind.CacheTTL != time.Minute || cfg.Log.Level != "debug" {
		t.Fatalf("wind %+v log %+v", cfg.Wind, cfg.Log)
	}
}

func TestLoadConfigHeadings(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	t.Setenv("CHUTE_GUIDANCE_HEADING_DEG", "-90")
	t.Setenv("CHUTE_GUIDANCE_FINAL_HEADING_DEG", "-450")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(cfg.Guidance.Heading, 3*math.Pi/2, 1e-12) {
		t.Fatalf("heading %f", cfg.Guidance.Heading)
	}
	if !vecEqual(cfg.Guidance.FinalHeading, Vec2{0, -1}, 1e-12) {
		t.Fatalf("final heading %v", cfg.Guidance.FinalHeading)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("a directory without conf.toml should fail")
	}
	t.Setenv("CHUTE_GUIDANCE_MAX_ITER", "0")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("no iterations should fail validation")
	}
}
