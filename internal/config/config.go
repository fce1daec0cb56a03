// Package config loads the engine's YAML configuration with defaulting and
// validation. A .env file or the process environment can override the
// secrets and endpoints marked below.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"navfuse/internal/corrections"
	"navfuse/internal/geo"
	"navfuse/internal/logging"
	"navfuse/internal/solver"
)

type Config struct {
	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	NATS    NATSConfig     `yaml:"nats"`
	UDP     UDPConfig      `yaml:"udp"`

	GNSS        GNSSConfig        `yaml:"gnss"`
	Solver      SolverConfig      `yaml:"solver"`
	Fusion      FusionConfig      `yaml:"fusion"`
	Corrections CorrectionsConfig `yaml:"corrections"`
	Frames      []FrameConfig     `yaml:"frames"`
}

type MetricsConfig struct {
	Enable bool   `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type NATSConfig struct {
	Enable bool   `yaml:"enable"`
	URL    string `yaml:"url"`
}

// UDPConfig points the NMEA position broadcast at a listener, typically a
// chart plotter or another consumer on the local network.
type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

// GNSSConfig points at the upstream GNSS reader feeding raw NMEA bytes.
type GNSSConfig struct {
	Enable bool `yaml:"enable"`
	// Source is "tcp" or "serial".
	Source  string `yaml:"source"`
	Address string `yaml:"address"`
	Device  string `yaml:"device"`
	Baud    int    `yaml:"baud"`
	// AccuracyM is reported for raw NMEA fixes without a solver estimate.
	AccuracyM float64 `yaml:"accuracy_m"`
}

type SolverConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	ConvergenceM  float64 `yaml:"convergence_m"`
	GDOPCeiling   float64 `yaml:"gdop_ceiling"`
}

// Options maps the section onto solver tuning; zero fields keep the solver
// defaults.
func (s SolverConfig) Options() solver.Options {
	return solver.Options{
		MaxIterations: s.MaxIterations,
		ConvergenceM:  s.ConvergenceM,
		GDOPCeiling:   s.GDOPCeiling,
	}
}

type FusionConfig struct {
	GNSSMaxAge   time.Duration `yaml:"gnss_max_age"`
	IMUMaxAge    time.Duration `yaml:"imu_max_age"`
	AnchorMaxAge time.Duration `yaml:"anchor_max_age"`

	GNSSBlendWeight          float64 `yaml:"gnss_blend_weight"`
	DeadReckonGrowthPerSec   float64 `yaml:"dead_reckon_growth_per_sec"`
	AccuracyCeilingM         float64 `yaml:"accuracy_ceiling_m"`
	AnchorOverrideConfidence float64 `yaml:"anchor_override_confidence"`
	AccuracyFloorM           float64 `yaml:"accuracy_floor_m"`
}

type CorrectionsConfig struct {
	Default              string         `yaml:"default"`
	MaxReconnectAttempts int            `yaml:"max_reconnect_attempts"`
	InitialBackoff       time.Duration  `yaml:"initial_backoff"`
	MaxBackoff           time.Duration  `yaml:"max_backoff"`
	DialTimeout          time.Duration  `yaml:"dial_timeout"`
	Sources              []SourceConfig `yaml:"sources"`
}

type SourceConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Format     string `yaml:"format"`
	Address    string `yaml:"address"`
	Mountpoint string `yaml:"mountpoint"`
	Baud       int    `yaml:"baud"`

	AuthRequired bool   `yaml:"auth_required"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`

	LatDeg        float64 `yaml:"lat_deg"`
	LonDeg        float64 `yaml:"lon_deg"`
	AltM          float64 `yaml:"alt_m"`
	MaxDistanceKm float64 `yaml:"max_distance_km"`
	Priority      int     `yaml:"priority"`
	Active        bool    `yaml:"active"`
}

// Source converts to the manager's source record.
func (s SourceConfig) Source() corrections.Source {
	return corrections.Source{
		ID:            s.ID,
		Name:          s.Name,
		Kind:          corrections.Kind(s.Kind),
		Format:        s.Format,
		Address:       s.Address,
		Mountpoint:    s.Mountpoint,
		Baud:          s.Baud,
		AuthRequired:  s.AuthRequired,
		Username:      s.Username,
		Password:      s.Password,
		Anchor:        geo.Geodetic{LatDeg: s.LatDeg, LonDeg: s.LonDeg, AltM: s.AltM},
		MaxDistanceKm: s.MaxDistanceKm,
		Priority:      s.Priority,
		Active:        s.Active,
	}
}

type FrameConfig struct {
	Name               string  `yaml:"name"`
	CentralMeridianDeg float64 `yaml:"central_meridian_deg"`
	ScaleFactor        float64 `yaml:"scale_factor"`
	FalseEastingM      float64 `yaml:"false_easting_m"`
	FalseNorthingM     float64 `yaml:"false_northing_m"`

	MinLatDeg float64 `yaml:"min_lat_deg"`
	MaxLatDeg float64 `yaml:"max_lat_deg"`
	MinLonDeg float64 `yaml:"min_lon_deg"`
	MaxLonDeg float64 `yaml:"max_lon_deg"`
}

// Frame converts to a registry frame.
func (f FrameConfig) Frame() geo.Frame {
	return geo.Frame{
		Name:               f.Name,
		CentralMeridianDeg: f.CentralMeridianDeg,
		ScaleFactor:        f.ScaleFactor,
		FalseEastingM:      f.FalseEastingM,
		FalseNorthingM:     f.FalseNorthingM,
		Bounds: geo.Bounds{
			MinLatDeg: f.MinLatDeg,
			MaxLatDeg: f.MaxLatDeg,
			MinLonDeg: f.MinLonDeg,
			MaxLonDeg: f.MaxLonDeg,
		},
	}
}

// Load reads the YAML file, applies environment overrides and validates.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	// .env is optional; the process environment always wins.
	_ = godotenv.Load()
	if v := os.Getenv("NAVFUSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NAVFUSE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	if cfg.Metrics.Enable && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.NATS.Enable && cfg.NATS.URL == "" {
		return Config{}, fmt.Errorf("nats.url is required when nats.enable is true")
	}
	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return Config{}, fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.GNSS.Enable {
		switch cfg.GNSS.Source {
		case "", "tcp":
			cfg.GNSS.Source = "tcp"
			if cfg.GNSS.Address == "" {
				return Config{}, fmt.Errorf("gnss.address is required for gnss.source=tcp")
			}
		case "serial":
			if cfg.GNSS.Device == "" {
				return Config{}, fmt.Errorf("gnss.device is required for gnss.source=serial")
			}
			if cfg.GNSS.Baud == 0 {
				cfg.GNSS.Baud = 9600
			}
		default:
			return Config{}, fmt.Errorf("gnss.source must be tcp or serial, got %q", cfg.GNSS.Source)
		}
		if cfg.GNSS.AccuracyM <= 0 {
			cfg.GNSS.AccuracyM = 10
		}
	}

	seen := make(map[string]bool)
	for _, src := range cfg.Corrections.Sources {
		if src.ID == "" {
			return Config{}, fmt.Errorf("corrections.sources: every source needs an id")
		}
		if seen[src.ID] {
			return Config{}, fmt.Errorf("corrections.sources: duplicate id %q", src.ID)
		}
		seen[src.ID] = true
	}
	if d := cfg.Corrections.Default; d != "" && !seen[d] {
		return Config{}, fmt.Errorf("corrections.default %q is not a configured source", d)
	}

	for _, f := range cfg.Frames {
		if f.Name == "" {
			return Config{}, fmt.Errorf("frames: every frame needs a name")
		}
		if f.ScaleFactor <= 0 {
			return Config{}, fmt.Errorf("frames: %s: scale_factor must be > 0", f.Name)
		}
	}

	return cfg, nil
}
