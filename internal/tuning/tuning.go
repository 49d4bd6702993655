// Package tuning loads the agent's thresholds from a YAML file with
// PEARLBOT_* environment overrides.
package tuning

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/ingest"
	"pearlbot.ai/internal/retrieval"
	"pearlbot.ai/internal/tracker"
)

const EnvPrefix = "PEARLBOT"

// Durations are whole milliseconds so the file stays plain numbers.
type Tuning struct {
	Physics   Physics   `yaml:"physics" mapstructure:"physics"`
	Tracking  Tracking  `yaml:"tracking" mapstructure:"tracking"`
	Retrieval Retrieval `yaml:"retrieval" mapstructure:"retrieval"`
	Harness   Harness   `yaml:"harness" mapstructure:"harness"`
}

type Physics struct {
	Gravity float64 `yaml:"gravity" mapstructure:"gravity"`
	Drag    float64 `yaml:"drag" mapstructure:"drag"`
	GroundY float64 `yaml:"ground_y" mapstructure:"ground_y"`
}

type Tracking struct {
	TrackedKind       string  `yaml:"tracked_kind" mapstructure:"tracked_kind"`
	Window            int     `yaml:"window" mapstructure:"window"`
	SettleSamples     int     `yaml:"settle_samples" mapstructure:"settle_samples"`
	SettleMs          int     `yaml:"settle_ms" mapstructure:"settle_ms"`
	EpsY              float64 `yaml:"eps_y" mapstructure:"eps_y"`
	EpsH              float64 `yaml:"eps_h" mapstructure:"eps_h"`
	RestSpeed         float64 `yaml:"rest_speed" mapstructure:"rest_speed"`
	TimeoutMs         int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	IntegrationStepMs int     `yaml:"integration_step_ms" mapstructure:"integration_step_ms"`
	HorizonMs         int     `yaml:"horizon_ms" mapstructure:"horizon_ms"`
	CurrentWorldOnly  bool    `yaml:"current_world_only" mapstructure:"current_world_only"`
	// MaxPearlsPerOwner flags throwers with more unretrieved pearls than
	// this. Zero disables the check.
	MaxPearlsPerOwner int `yaml:"max_pearls_per_owner" mapstructure:"max_pearls_per_owner"`
	// Bounds limits tracking to pearls first seen inside the box.
	Bounds *Bounds `yaml:"bounds,omitempty" mapstructure:"bounds"`
}

type Bounds struct {
	Min []float64 `yaml:"min" mapstructure:"min"`
	Max []float64 `yaml:"max" mapstructure:"max"`
}

type Retrieval struct {
	PollMs           int     `yaml:"poll_ms" mapstructure:"poll_ms"`
	CollectTimeoutMs int     `yaml:"collect_timeout_ms" mapstructure:"collect_timeout_ms"`
	NavTimeoutMs     int     `yaml:"nav_timeout_ms" mapstructure:"nav_timeout_ms"`
	Tolerance        float64 `yaml:"tolerance" mapstructure:"tolerance"`
}

type Harness struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	GraceMs   int `yaml:"grace_ms" mapstructure:"grace_ms"`
}

func Default() Tuning {
	tc := tracker.DefaultConfig()
	rc := retrieval.DefaultConfig()
	return Tuning{
		Physics: Physics{Gravity: tc.Gravity, Drag: tc.Drag, GroundY: tc.GroundY},
		Tracking: Tracking{
			TrackedKind:       "PEARL",
			Window:            tc.Window,
			SettleSamples:     tc.SettleSamples,
			SettleMs:          int(tc.SettleDuration / time.Millisecond),
			EpsY:              tc.EpsY,
			EpsH:              tc.EpsH,
			RestSpeed:         tc.RestSpeed,
			TimeoutMs:         int(tc.Timeout / time.Millisecond),
			IntegrationStepMs: int(tc.IntegrationStep / time.Millisecond),
			HorizonMs:         int(tc.Horizon / time.Millisecond),
		},
		Retrieval: Retrieval{
			PollMs:           100,
			CollectTimeoutMs: int(rc.CollectTimeout / time.Millisecond),
			NavTimeoutMs:     int(rc.NavTimeout / time.Millisecond),
			Tolerance:        1.2,
		},
		Harness: Harness{BatchSize: 50, GraceMs: 10000},
	}
}

func setDefaults(v *viper.Viper, t Tuning) {
	v.SetDefault("physics.gravity", t.Physics.Gravity)
	v.SetDefault("physics.drag", t.Physics.Drag)
	v.SetDefault("physics.ground_y", t.Physics.GroundY)

	v.SetDefault("tracking.tracked_kind", t.Tracking.TrackedKind)
	v.SetDefault("tracking.window", t.Tracking.Window)
	v.SetDefault("tracking.settle_samples", t.Tracking.SettleSamples)
	v.SetDefault("tracking.settle_ms", t.Tracking.SettleMs)
	v.SetDefault("tracking.eps_y", t.Tracking.EpsY)
	v.SetDefault("tracking.eps_h", t.Tracking.EpsH)
	v.SetDefault("tracking.rest_speed", t.Tracking.RestSpeed)
	v.SetDefault("tracking.timeout_ms", t.Tracking.TimeoutMs)
	v.SetDefault("tracking.integration_step_ms", t.Tracking.IntegrationStepMs)
	v.SetDefault("tracking.horizon_ms", t.Tracking.HorizonMs)
	v.SetDefault("tracking.current_world_only", t.Tracking.CurrentWorldOnly)
	v.SetDefault("tracking.max_pearls_per_owner", t.Tracking.MaxPearlsPerOwner)

	v.SetDefault("retrieval.poll_ms", t.Retrieval.PollMs)
	v.SetDefault("retrieval.collect_timeout_ms", t.Retrieval.CollectTimeoutMs)
	v.SetDefault("retrieval.nav_timeout_ms", t.Retrieval.NavTimeoutMs)
	v.SetDefault("retrieval.tolerance", t.Retrieval.Tolerance)

	v.SetDefault("harness.batch_size", t.Harness.BatchSize)
	v.SetDefault("harness.grace_ms", t.Harness.GraceMs)
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides such as PEARLBOT_PHYSICS_GRAVITY.
func Load(path string) (Tuning, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Tuning{}, fmt.Errorf("tuning %s: %w", path, err)
		}
	}
	var t Tuning
	if err := v.Unmarshal(&t); err != nil {
		return Tuning{}, fmt.Errorf("tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Physics.Gravity <= 0 {
		return errors.New("tuning: physics.gravity must be positive")
	}
	if t.Physics.Drag < 0 {
		return errors.New("tuning: physics.drag must not be negative")
	}
	step := t.Tracking.IntegrationStepMs
	if step <= 0 {
		step = int(tracker.DefaultConfig().IntegrationStep / time.Millisecond)
	}
	if t.Physics.Drag*float64(step)/1000 >= 1 {
		return errors.New("tuning: physics.drag times tracking.integration_step_ms must stay below one second")
	}
	if strings.TrimSpace(t.Tracking.TrackedKind) == "" {
		return errors.New("tuning: tracking.tracked_kind must not be empty")
	}
	if t.Tracking.MaxPearlsPerOwner < 0 {
		return errors.New("tuning: tracking.max_pearls_per_owner must not be negative")
	}
	if t.Tracking.SettleSamples < 2 {
		return errors.New("tuning: tracking.settle_samples must be at least 2")
	}
	if t.Tracking.Window < t.Tracking.SettleSamples {
		return errors.New("tuning: tracking.window must hold settle_samples")
	}
	if t.Tracking.TimeoutMs <= 0 || t.Retrieval.PollMs <= 0 {
		return errors.New("tuning: timeouts must be positive")
	}
	if t.Harness.BatchSize <= 0 {
		return errors.New("tuning: harness.batch_size must be positive")
	}
	if b := t.Tracking.Bounds; b != nil && (len(b.Min) != 3 || len(b.Max) != 3) {
		return errors.New("tuning: tracking.bounds needs three-component min and max")
	}
	return nil
}

// WriteDefaults writes the default tuning to path unless a file already
// exists there. It reports whether it wrote one.
func WriteDefaults(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	b, err := yaml.Marshal(Default())
	if err != nil {
		return false, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (t Tuning) TrackerConfig() tracker.Config {
	return tracker.Config{
		Gravity:         t.Physics.Gravity,
		Drag:            t.Physics.Drag,
		GroundY:         t.Physics.GroundY,
		Window:          t.Tracking.Window,
		SettleSamples:   t.Tracking.SettleSamples,
		SettleDuration:  ms(t.Tracking.SettleMs),
		EpsY:            t.Tracking.EpsY,
		EpsH:            t.Tracking.EpsH,
		RestSpeed:       t.Tracking.RestSpeed,
		Timeout:         ms(t.Tracking.TimeoutMs),
		IntegrationStep: ms(t.Tracking.IntegrationStepMs),
		Horizon:         ms(t.Tracking.HorizonMs),
	}
}

func (t Tuning) IngestConfig() ingest.Config {
	cfg := ingest.Config{TrackedKind: t.Tracking.TrackedKind, CurrentWorldOnly: t.Tracking.CurrentWorldOnly}
	if b := t.Tracking.Bounds; b != nil && len(b.Min) == 3 && len(b.Max) == 3 {
		cfg.Bounds = &ingest.Box{
			Min: geom.V(b.Min[0], b.Min[1], b.Min[2]),
			Max: geom.V(b.Max[0], b.Max[1], b.Max[2]),
		}
	}
	return cfg
}

func (t Tuning) RetrievalConfig(identity string) retrieval.Config {
	return retrieval.Config{
		Identity:       identity,
		CollectTimeout: ms(t.Retrieval.CollectTimeoutMs),
		NavTimeout:     ms(t.Retrieval.NavTimeoutMs),
	}
}

func (t Tuning) PollInterval() time.Duration { return ms(t.Retrieval.PollMs) }

func (t Tuning) Grace() time.Duration { return ms(t.Harness.GraceMs) }
