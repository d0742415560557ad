package conf

import (
	"fmt"
	"net"
)

// Debug configures the diagnostics endpoint. Keep it bound to localhost unless
// it is otherwise protected, since it exposes runtime internals.
type Debug struct {
	// Listen serves /debug/fastrelay, /metrics and, with Pprof, /debug/pprof.
	Listen string `yaml:"listen"`
	Pprof  bool   `yaml:"pprof"`
}

func (d *Debug) setDefaults() {}

func (d *Debug) validate() []error {
	var errors []error
	if d.Listen == "" {
		if d.Pprof {
			errors = append(errors, fmt.Errorf("debug pprof needs debug listen"))
		}
		return errors
	}
	if _, err := net.ResolveTCPAddr("tcp", d.Listen); err != nil {
		errors = append(errors, fmt.Errorf("debug listen address '%s' is invalid: %v", d.Listen, err))
	}
	return errors
}
