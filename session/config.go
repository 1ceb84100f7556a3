// Package session wires a configured optimization run together: leadfield
// store, mesh, targets and avoid regions from a YAML config, a solve, the
// logged summary, and the output artifacts (Gmsh mesh, currents CSV).
package session

import (
	"fmt"
	"os"

	"github.com/TMSKit/simnibs"
	"github.com/TMSKit/simnibs/region"
	"github.com/TMSKit/simnibs/tes"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// TargetConfig mirrors region.Target in YAML form. Direction is "normal"
// (default), "none", or "explicit" with Vectors set.
type TargetConfig struct {
	Positions [][3]float64 `yaml:"positions"`
	Indices   []int        `yaml:"indices"`
	Tissues   []int        `yaml:"tissues"`
	Radius    *float64     `yaml:"radius"`
	Direction string       `yaml:"direction"`
	Vectors   [][3]float64 `yaml:"vectors"`
	Intensity *float64     `yaml:"intensity"`
	MaxAngle  float64      `yaml:"max_angle"`
}

// AvoidConfig mirrors region.Avoid in YAML form.
type AvoidConfig struct {
	Positions [][3]float64 `yaml:"positions"`
	Indices   []int        `yaml:"indices"`
	Tissues   []int        `yaml:"tissues"`
	Radius    *float64     `yaml:"radius"`
	Weight    *float64     `yaml:"weight"`
}

// LeadfieldConfig locates the leadfield container.
type LeadfieldConfig struct {
	Path    string `yaml:"path"`
	Dataset string `yaml:"dataset"`
}

// DistributedConfig parameterizes the distributed-source variant.
type DistributedConfig struct {
	Intensity   float64 `yaml:"intensity"`
	MinImgValue float64 `yaml:"min_img_value"`
}

// Config is one optimization run.
type Config struct {
	Name      string          `yaml:"name"`
	Leadfield LeadfieldConfig `yaml:"leadfield"`

	MaxTotalCurrent      float64 `yaml:"max_total_current"`
	MaxIndividualCurrent float64 `yaml:"max_individual_current"`
	MaxActiveElectrodes  int     `yaml:"max_active_electrodes"`

	Targets []TargetConfig `yaml:"targets"`
	Avoids  []AvoidConfig  `yaml:"avoids"`

	Distributed *DistributedConfig `yaml:"distributed"`
}

// LoadConfig reads and validates a YAML run configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("session: parsing config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Leadfield.Path == "" {
		return nil, fmt.Errorf("session: config names no leadfield: %w", simnibs.ErrPrecondition)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Leadfield.Dataset == "" {
		c.Leadfield.Dataset = "leadfield"
	}
	if c.MaxTotalCurrent == 0 {
		c.MaxTotalCurrent = tes.DefaultMaxTotalCurrent
	}
	if c.MaxIndividualCurrent == 0 {
		c.MaxIndividualCurrent = tes.DefaultMaxIndividualCurrent
	}
	if c.Distributed != nil {
		if c.Distributed.Intensity == 0 {
			c.Distributed.Intensity = region.DefaultIntensity
		}
	}
}

func toVecs(in [][3]float64) []r3.Vec {
	if len(in) == 0 {
		return nil
	}
	out := make([]r3.Vec, len(in))
	for i, p := range in {
		out[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return out
}

// target converts the config entry into a region.Target.
func (tc *TargetConfig) target() (*region.Target, error) {
	t := region.NewTarget()
	t.Positions = toVecs(tc.Positions)
	t.Indices = tc.Indices
	t.Tissues = tc.Tissues
	if tc.Radius != nil {
		t.Radius = *tc.Radius
	}
	if tc.Intensity != nil {
		t.Intensity = *tc.Intensity
	}
	t.MaxAngle = tc.MaxAngle
	switch tc.Direction {
	case "", "normal":
		t.Mode = region.DirectionNormal
	case "none":
		t.Mode = region.DirectionNone
	case "explicit":
		t.Mode = region.DirectionExplicit
		t.Vectors = toVecs(tc.Vectors)
	default:
		return nil, fmt.Errorf("session: unknown direction %q: %w", tc.Direction, simnibs.ErrPrecondition)
	}
	return t, nil
}

// avoid converts the config entry into a region.Avoid.
func (ac *AvoidConfig) avoid() *region.Avoid {
	a := region.NewAvoid()
	a.Positions = toVecs(ac.Positions)
	a.Indices = ac.Indices
	a.Tissues = ac.Tissues
	if ac.Radius != nil {
		a.Radius = *ac.Radius
	}
	if ac.Weight != nil {
		a.Weight = *ac.Weight
	}
	return a
}
