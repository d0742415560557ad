// Package chaos injects faults into relayed connections: it rejects some
// clients outright and cuts others off after a sampled time or byte count.
package chaos

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Range is an inclusive lower, exclusive upper bound to sample from. A range
// with Max <= Min always yields Min.
type Range[T int64 | time.Duration] struct {
	Min T
	Max T
}

func (r Range[T]) sample(rng *rand.Rand) T {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + T(rng.Int64N(int64(r.Max-r.Min)))
}

func (r Range[T]) validate(name string) error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("%s range must not be negative", name)
	}
	if r.Max != 0 && r.Max < r.Min {
		return fmt.Errorf("%s range max %v is below min %v", name, r.Max, r.Min)
	}
	return nil
}

// Config describes which connections are rejected or aborted. Probabilities
// are between 0 and 1. A nil range disables that abort trigger.
type Config struct {
	Reject float64
	Abort  float64

	UpstreamBytes   *Range[int64]
	DownstreamBytes *Range[int64]
	Duration        *Range[time.Duration]
}

func (c *Config) Validate() error {
	var errs []error
	if c.Reject < 0 || c.Reject > 1 {
		errs = append(errs, fmt.Errorf("reject probability %v outside [0, 1]", c.Reject))
	}
	if c.Abort < 0 || c.Abort > 1 {
		errs = append(errs, fmt.Errorf("abort probability %v outside [0, 1]", c.Abort))
	}
	if c.UpstreamBytes != nil {
		errs = append(errs, c.UpstreamBytes.validate("upstream bytes"))
	}
	if c.DownstreamBytes != nil {
		errs = append(errs, c.DownstreamBytes.validate("downstream bytes"))
	}
	if c.Duration != nil {
		errs = append(errs, c.Duration.validate("duration"))
	}
	if c.Abort > 0 && c.UpstreamBytes == nil && c.DownstreamBytes == nil && c.Duration == nil {
		errs = append(errs, errors.New("abort probability set without a bytes or duration range"))
	}
	return errors.Join(errs...)
}

// AbortReason tells why a connection was cut off.
type AbortReason uint8

const (
	TimeExpired AbortReason = iota
	MaximumTransferred
)

func (r AbortReason) String() string {
	switch r {
	case TimeExpired:
		return "time expired"
	case MaximumTransferred:
		return "maximum transferred"
	default:
		return "unknown"
	}
}

// Aborted describes one chaos abort.
type Aborted struct {
	Reason     AbortReason
	Upstream   int64
	Downstream int64
}
