package conf

import (
	"fmt"
	"time"
)

// SOCKS5 holds the credentials for an upstream SOCKS5 proxy.
type SOCKS5 struct {
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout_ string        `yaml:"timeout"`
	Timeout  time.Duration `yaml:"-"`
}

func (c *SOCKS5) setDefaults() {
	if c.Timeout_ == "" {
		c.Timeout_ = "10s"
	}
}

func (c *SOCKS5) validate() []error {
	var errors []error
	if (c.Username == "") != (c.Password == "") {
		errors = append(errors, fmt.Errorf("socks5 username/password must both be set (or both be empty)"))
	}
	d, err := time.ParseDuration(c.Timeout_)
	if err != nil || d < time.Second {
		errors = append(errors, fmt.Errorf("socks5 timeout must be at least 1s"))
	}
	c.Timeout = d
	return errors
}
