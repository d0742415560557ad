package conf

import (
	"fmt"
	"slices"
)

const (
	TransportTCP    = "tcp"
	TransportSOCKS5 = "socks5"
	TransportKCP    = "kcp"
)

// Transport picks how the relay reaches its upstream. The exit role always
// listens on KCP.
type Transport struct {
	Protocol string  `yaml:"protocol"`
	Conn     int     `yaml:"conn"`
	Server   string  `yaml:"server"`
	KCP      *KCP    `yaml:"kcp"`
	SOCKS5   *SOCKS5 `yaml:"socks5"`
}

func (t *Transport) setDefaults(role string) {
	if t.Protocol == "" {
		if role == RoleExit {
			t.Protocol = TransportKCP
		} else {
			t.Protocol = TransportTCP
		}
	}
	if t.Conn == 0 {
		t.Conn = 4
	}
	switch t.Protocol {
	case TransportKCP:
		if t.KCP == nil {
			t.KCP = &KCP{}
		}
		t.KCP.setDefaults(role, t.Conn)
	case TransportSOCKS5:
		if t.SOCKS5 == nil {
			t.SOCKS5 = &SOCKS5{}
		}
		t.SOCKS5.setDefaults()
	}
}

func (t *Transport) validate(role string) []error {
	var errors []error

	valid := []string{TransportTCP, TransportSOCKS5, TransportKCP}
	if role == RoleExit {
		valid = []string{TransportKCP}
	}
	if !slices.Contains(valid, t.Protocol) {
		errors = append(errors, fmt.Errorf("transport protocol must be one of: %v", valid))
	}

	if t.Conn < 1 || t.Conn > 256 {
		errors = append(errors, fmt.Errorf("transport conn must be between 1-256 sessions"))
	}

	switch t.Protocol {
	case TransportKCP:
		if role == RoleRelay {
			if err := validateAddr(t.Server); err != nil {
				errors = append(errors, fmt.Errorf("transport server: %w", err))
			}
		}
		if t.KCP == nil {
			errors = append(errors, fmt.Errorf("transport.kcp is required when transport.protocol is 'kcp'"))
			break
		}
		errors = append(errors, t.KCP.validate()...)
	case TransportSOCKS5:
		if err := validateAddr(t.Server); err != nil {
			errors = append(errors, fmt.Errorf("transport server: %w", err))
		}
		if t.SOCKS5 != nil {
			errors = append(errors, t.SOCKS5.validate()...)
		}
	}

	return errors
}
