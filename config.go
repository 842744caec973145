package chute

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigEnv is the environment variable holding the directory of conf.toml.
const ConfigEnv = "CHUTE_CONFIG"

// WindConfig configures the wind data provider.
type WindConfig struct {
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// LogConfig configures the logs. An empty File logs to stderr.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Config is the configuration of the binaries.
type Config struct {
	Atmosphere Atmosphere
	Guidance   GuidanceParams
	Wind       WindConfig
	Log        LogConfig
	ServerAddr string
}

func setDefaults(v *viper.Viper) {
	atm := DefaultAtmosphere()
	v.SetDefault("atmosphere.release_altitude", atm.Z0)
	v.SetDefault("atmosphere.sea_level_density", atm.Ch)
	v.SetDefault("atmosphere.scale", atm.Cz)
	v.SetDefault("atmosphere.exponent", atm.Ce)
	v.SetDefault("atmosphere.descent_rate", atm.Rz0)
	v.SetDefault("atmosphere.glide_speed", atm.Vz0)

	g := DefaultGuidance()
	v.SetDefault("guidance.alpha1", g.Alpha1)
	v.SetDefault("guidance.alpha2", g.Alpha2)
	v.SetDefault("guidance.alpha3", g.Alpha3)
	v.SetDefault("guidance.turn_rate_max", g.TurnRateMax)
	v.SetDefault("guidance.eps_h", g.EpsH)
	v.SetDefault("guidance.tolerance", g.Tolerance)
	v.SetDefault("guidance.max_iter", g.MaxIter)
	v.SetDefault("guidance.heading_deg", 0.)
	v.SetDefault("guidance.final_heading_deg", 90.)

	v.SetDefault("wind.base_url", DefaultOpenMeteoURL)
	v.SetDefault("wind.timeout", "10s")
	v.SetDefault("wind.cache_size", 128)
	v.SetDefault("wind.cache_ttl", "15m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("server.addr", ":8080")
}

// LoadConfig reads conf.toml from dir, or from the directory in CHUTE_CONFIG
// when dir is empty. Without either the defaults are returned. Every key can
// be overridden by an environment variable, e.g. CHUTE_GUIDANCE_MAX_ITER.
func LoadConfig(dir string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir == "" {
		dir = os.Getenv(ConfigEnv)
	}
	if dir != "" {
		v.SetConfigName("conf")
		v.SetConfigType("toml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading %s/conf.toml: %w", dir, err)
		}
	}

	atm := NewAtmosphere(
		v.GetFloat64("atmosphere.release_altitude"),
		v.GetFloat64("atmosphere.sea_level_density"),
		v.GetFloat64("atmosphere.scale"),
		v.GetFloat64("atmosphere.exponent"),
		v.GetFloat64("atmosphere.descent_rate"),
		v.GetFloat64("atmosphere.glide_speed"),
	)
	if err := atm.Validate(); err != nil {
		return Config{}, err
	}
	g := GuidanceParams{
		Alpha1:       v.GetFloat64("guidance.alpha1"),
		Alpha2:       v.GetFloat64("guidance.alpha2"),
		Alpha3:       v.GetFloat64("guidance.alpha3"),
		TurnRateMax:  v.GetFloat64("guidance.turn_rate_max"),
		EpsH:         v.GetFloat64("guidance.eps_h"),
		Tolerance:    v.GetFloat64("guidance.tolerance"),
		MaxIter:      v.GetInt("guidance.max_iter"),
		Heading:      Radians(v.GetFloat64("guidance.heading_deg")),
		FinalHeading: Heading(Radians(v.GetFloat64("guidance.final_heading_deg"))),
	}
	if err := g.Validate(); err != nil {
		return Config{}, err
	}
	return Config{
		Atmosphere: atm,
		Guidance:   g,
		Wind: WindConfig{
			BaseURL:   v.GetString("wind.base_url"),
			Timeout:   v.GetDuration("wind.timeout"),
			CacheSize: v.GetInt("wind.cache_size"),
			CacheTTL:  v.GetDuration("wind.cache_ttl"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
		ServerAddr: v.GetString("server.addr"),
	}, nil
}

// Provider returns the Open-Meteo provider of the configuration.
func (c Config) Provider() *OpenMeteo {
	return NewOpenMeteo(c.Wind.BaseURL, c.Wind.Timeout, c.Wind.CacheSize, c.Wind.CacheTTL)
}
