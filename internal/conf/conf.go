package conf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"time"

	"fastrelay/internal/flog"

	"github.com/goccy/go-yaml"
)

const (
	RoleRelay = "relay"
	RoleExit  = "exit"
)

type Conf struct {
	Role      string    `yaml:"role"`
	Log       Log       `yaml:"log"`
	Listen    string    `yaml:"listen"`
	Relay     Relay     `yaml:"relay"`
	Upstream  Upstream  `yaml:"upstream"`
	Transport Transport `yaml:"transport"`
	Limits    Limits    `yaml:"limits"`
	Throttle  Throttle  `yaml:"throttle"`
	Chaos     Chaos     `yaml:"chaos"`
	Exit      Exit      `yaml:"exit"`
	Debug     Debug     `yaml:"debug"`

	Delay_ string        `yaml:"delay"`
	Delay  time.Duration `yaml:"-"`
}

// LoadFromFile reads, defaults and validates a YAML config.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

func Load(data []byte) (*Conf, error) {
	var c Conf
	if err := yaml.NewDecoder(bytes.NewReader(data), yaml.DisallowUnknownField()).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.setDefaults()
	if errs := c.validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	if c.Role == "" {
		c.Role = RoleRelay
	}
	c.Log.setDefaults()
	c.Relay.setDefaults()
	c.Transport.setDefaults(c.Role)
	c.Throttle.setDefaults()
	c.Debug.setDefaults()
}

func (c *Conf) validate() []error {
	var errs []error

	roles := []string{RoleRelay, RoleExit}
	if !slices.Contains(roles, c.Role) {
		errs = append(errs, fmt.Errorf("role must be one of: %v", roles))
	}
	if err := validateAddr(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}

	errs = append(errs, c.Log.validate()...)
	errs = append(errs, c.Relay.validate()...)
	errs = append(errs, c.Transport.validate(c.Role)...)
	errs = append(errs, c.Limits.validate()...)
	errs = append(errs, c.Throttle.validate()...)
	errs = append(errs, c.Chaos.validate()...)
	errs = append(errs, c.Debug.validate()...)

	switch c.Role {
	case RoleRelay:
		errs = append(errs, c.Upstream.validate()...)
	case RoleExit:
		errs = append(errs, c.Exit.validate()...)
	}

	if c.Delay_ != "" {
		d, err := time.ParseDuration(c.Delay_)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("delay: %w", err))
		case d < 0:
			errs = append(errs, fmt.Errorf("delay must not be negative"))
		default:
			c.Delay = d
		}
	}
	return errs
}

type Log struct {
	Level_ string     `yaml:"level"`
	Level  flog.Level `yaml:"-"`
}

func (l *Log) setDefaults() {
	if l.Level_ == "" {
		l.Level_ = "info"
	}
}

func (l *Log) validate() []error {
	lvl, err := flog.ParseLevel(l.Level_)
	if err != nil {
		return []error{fmt.Errorf("log level: %w", err)}
	}
	l.Level = lvl
	return nil
}

// Relay tunes the relay core.
type Relay struct {
	BufferSize_  string        `yaml:"buffer_size"`
	DialTimeout_ string        `yaml:"dial_timeout"`
	BufferSize   int           `yaml:"-"`
	DialTimeout  time.Duration `yaml:"-"`
}

func (r *Relay) setDefaults() {
	if r.BufferSize_ == "" {
		r.BufferSize_ = "4K"
	}
	if r.DialTimeout_ == "" {
		r.DialTimeout_ = "10s"
	}
}

func (r *Relay) validate() []error {
	var errs []error
	n, err := ParseSize(r.BufferSize_)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("relay buffer_size: %w", err))
	case n <= 0 || n%4096 != 0:
		errs = append(errs, fmt.Errorf("relay buffer_size must be a positive multiple of 4K"))
	case n > 1<<20:
		errs = append(errs, fmt.Errorf("relay buffer_size must be at most 1M"))
	default:
		r.BufferSize = int(n)
	}

	d, err := time.ParseDuration(r.DialTimeout_)
	if err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("relay dial_timeout must be a positive duration"))
	}
	r.DialTimeout = d
	return errs
}

type Upstream struct {
	Targets []string `yaml:"targets"`
}

func (u *Upstream) validate() []error {
	var errs []error
	if len(u.Targets) == 0 {
		errs = append(errs, fmt.Errorf("upstream targets are required for role %q", RoleRelay))
	}
	for _, t := range u.Targets {
		if err := validateAddr(t); err != nil {
			errs = append(errs, fmt.Errorf("upstream target: %w", err))
		}
	}
	return errs
}

// Limits caps how fast new clients are admitted. Rate 0 means unlimited.
type Limits struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

func (l *Limits) validate() []error {
	var errs []error
	if l.Rate < 0 {
		errs = append(errs, fmt.Errorf("limits rate must not be negative"))
	}
	if l.Burst < 0 {
		errs = append(errs, fmt.Errorf("limits burst must not be negative"))
	}
	return errs
}

// Throttle holds per-direction bandwidth caps in bytes per second. Empty or 0
// leaves a direction unlimited.
type Throttle struct {
	Upstream_   string `yaml:"upstream"`
	Downstream_ string `yaml:"downstream"`
	Slices      int    `yaml:"slices"`

	Upstream   int64 `yaml:"-"`
	Downstream int64 `yaml:"-"`
}

func (t *Throttle) setDefaults() {
	if t.Slices == 0 {
		t.Slices = 10
	}
}

func (t *Throttle) validate() []error {
	var errs []error
	for _, f := range []struct {
		name string
		in   string
		out  *int64
	}{
		{"upstream", t.Upstream_, &t.Upstream},
		{"downstream", t.Downstream_, &t.Downstream},
	} {
		if f.in == "" {
			continue
		}
		n, err := ParseSize(f.in)
		if err != nil {
			errs = append(errs, fmt.Errorf("throttle %s: %w", f.name, err))
			continue
		}
		*f.out = n
	}
	if t.Slices < 1 || t.Slices > 1000 {
		errs = append(errs, fmt.Errorf("throttle slices must be between 1-1000"))
	}
	return errs
}

// Enabled reports whether any direction is limited.
func (t *Throttle) Enabled() bool { return t.Upstream > 0 || t.Downstream > 0 }

// Exit configures the tunnel exit role.
type Exit struct {
	Allow []string `yaml:"allow"`
}

func (e *Exit) validate() []error {
	var errs []error
	for _, p := range e.Allow {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("exit allow pattern %q: %w", p, err))
		}
	}
	return errs
}
