package conf

import (
	"fmt"
	"time"

	"fastrelay/internal/chaos"
)

type Chaos struct {
	Enabled bool    `yaml:"enabled"`
	Reject  float64 `yaml:"reject"`
	Abort   float64 `yaml:"abort"`

	UpstreamBytes   *Range `yaml:"upstream_bytes"`
	DownstreamBytes *Range `yaml:"downstream_bytes"`
	Duration        *Range `yaml:"duration"`

	config chaos.Config
}

// Range is a min/max pair of sizes or durations, depending on the field.
type Range struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

func (c *Chaos) validate() []error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	cfg := chaos.Config{Reject: c.Reject, Abort: c.Abort}

	sizes := func(name string, r *Range) *chaos.Range[int64] {
		if r == nil {
			return nil
		}
		lo, err1 := ParseSize(r.Min)
		hi, err2 := ParseSize(r.Max)
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("chaos %s: min and max must be sizes", name))
			return nil
		}
		return &chaos.Range[int64]{Min: lo, Max: hi}
	}
	cfg.UpstreamBytes = sizes("upstream_bytes", c.UpstreamBytes)
	cfg.DownstreamBytes = sizes("downstream_bytes", c.DownstreamBytes)

	if r := c.Duration; r != nil {
		lo, err1 := time.ParseDuration(r.Min)
		hi, err2 := time.ParseDuration(r.Max)
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("chaos duration: min and max must be durations"))
		} else {
			cfg.Duration = &chaos.Range[time.Duration]{Min: lo, Max: hi}
		}
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("chaos: %w", err))
	}
	c.config = cfg
	return errs
}

// Config is the validated chaos configuration.
func (c *Chaos) Config() chaos.Config { return c.config }
