package conf

import (
	"fmt"
	"slices"
	"time"

	"fastrelay/internal/socket"

	"github.com/xtaci/kcp-go/v5"
)

// KCP holds configuration for the KCP tunnel and its smux multiplexing. Both
// ends of a tunnel need the same block, key, shards and guard settings.
type KCP struct {
	Mode         string `yaml:"mode"`
	NoDelay      int    `yaml:"nodelay"`
	Interval     int    `yaml:"interval"`
	Resend       int    `yaml:"resend"`
	NoCongestion int    `yaml:"nocongestion"`
	WDelay       bool   `yaml:"wdelay"`
	AckNoDelay   bool   `yaml:"acknodelay"`

	MTU    int `yaml:"mtu"`
	Rcvwnd int `yaml:"rcvwnd"`
	Sndwnd int `yaml:"sndwnd"`
	Dshard int `yaml:"dshard"`
	Pshard int `yaml:"pshard"`

	Block_ string `yaml:"block"`
	Key    string `yaml:"key"`

	// Guard drops datagrams without a valid cookie before KCP decrypts them.
	Guard       *bool  `yaml:"guard"`
	GuardMagic  string `yaml:"guard_magic"`  // 4 bytes
	GuardWindow int    `yaml:"guard_window"` // seconds
	GuardSkew   int    `yaml:"guard_skew"`   // accepted previous windows

	// Exit side only. -1 disables the limit.
	MaxSessions int `yaml:"max_sessions"`

	// HeaderTimeout bounds how long the exit waits for a stream's target header.
	HeaderTimeout_ string        `yaml:"header_timeout"`
	HeaderTimeout  time.Duration `yaml:"-"`

	Smuxbuf   int `yaml:"smuxbuf"`
	Streambuf int `yaml:"streambuf"`

	Block kcp.BlockCrypt `yaml:"-"`
}

func (k *KCP) setDefaults(role string, connCount int) {
	memMB := totalMemMB()
	wnd := pickKCPWindow(memMB, connCount)
	if wnd == 0 {
		wnd = 512
		if role == RoleExit {
			wnd = 2048
		}
	}

	if k.Mode == "" {
		k.Mode = "fast2"
	}
	if k.MTU == 0 {
		k.MTU = 1350
	}
	if k.Rcvwnd == 0 {
		k.Rcvwnd = wnd
	}
	if k.Sndwnd == 0 {
		k.Sndwnd = wnd
	}
	if k.Block_ == "" {
		k.Block_ = "aes"
	}

	if k.Guard == nil {
		v := true
		k.Guard = &v
	}
	if k.GuardMagic == "" {
		k.GuardMagic = "FRG1"
	}
	if k.GuardWindow == 0 {
		k.GuardWindow = 30
	}
	if k.GuardSkew == 0 {
		k.GuardSkew = 1
	}

	if k.HeaderTimeout_ == "" {
		k.HeaderTimeout_ = "10s"
	}
	if role == RoleExit && k.MaxSessions == 0 {
		k.MaxSessions = 1024
	}

	if k.Smuxbuf == 0 {
		k.Smuxbuf = pickSmuxBuf(memMB)
		if k.Smuxbuf == 0 {
			k.Smuxbuf = 4 * 1024 * 1024
		}
	}
	if k.Streambuf == 0 {
		k.Streambuf = pickStreamBuf(memMB)
		if k.Streambuf == 0 {
			k.Streambuf = 128 * 1024
		}
	}
}

// pickKCPWindow scales the window with RAM, capped when many sessions share it.
func pickKCPWindow(memMB int, connCount int) int {
	if memMB <= 0 {
		return 0
	}
	connCount = max(connCount, 1)

	var wnd int
	switch {
	case memMB < 4096:
		wnd = 2048
	case memMB < 8192:
		wnd = 4096
	case memMB < 16384:
		wnd = 8192
	default:
		wnd = 16384
	}
	switch {
	case connCount >= 32:
		wnd = min(wnd, 4096)
	case connCount >= 16:
		wnd = min(wnd, 8192)
	}
	return wnd
}

func pickSmuxBuf(memMB int) int {
	switch {
	case memMB <= 0:
		return 0
	case memMB < 2048:
		return 4 << 20
	case memMB < 8192:
		return 8 << 20
	default:
		return 16 << 20
	}
}

func pickStreamBuf(memMB int) int {
	switch {
	case memMB <= 0:
		return 0
	case memMB < 8192:
		return 128 << 10
	case memMB < 16384:
		return 256 << 10
	default:
		return 512 << 10
	}
}

var kcpModes = []string{"normal", "fast", "fast2", "fast3", "manual"}

func (k *KCP) validate() []error {
	var errors []error

	if !slices.Contains(kcpModes, k.Mode) {
		errors = append(errors, fmt.Errorf("KCP mode must be one of: %v", kcpModes))
	}
	if k.MTU < 50 || k.MTU > 1500 {
		errors = append(errors, fmt.Errorf("KCP MTU must be between 50-1500 bytes"))
	}
	if k.Rcvwnd < 1 || k.Rcvwnd > 65535 {
		errors = append(errors, fmt.Errorf("KCP rcvwnd must be between 1-65535"))
	}
	if k.Sndwnd < 1 || k.Sndwnd > 65535 {
		errors = append(errors, fmt.Errorf("KCP sndwnd must be between 1-65535"))
	}
	if k.Dshard < 0 || k.Pshard < 0 {
		errors = append(errors, fmt.Errorf("KCP dshard/pshard must not be negative"))
	}

	if !slices.Contains([]string{"none", "null"}, k.Block_) && k.Key == "" {
		errors = append(errors, fmt.Errorf("KCP encryption key is required"))
	}
	b, err := newBlock(k.Block_, k.Key)
	if err != nil {
		errors = append(errors, err)
	}
	k.Block = b

	if k.GuardEnabled() {
		if len(k.GuardMagic) != 4 {
			errors = append(errors, fmt.Errorf("KCP guard_magic must be exactly 4 bytes"))
		}
		if k.GuardWindow < 1 || k.GuardWindow > 3600 {
			errors = append(errors, fmt.Errorf("KCP guard_window must be between 1-3600 seconds"))
		}
		if k.GuardSkew < 0 || k.GuardSkew > 10 {
			errors = append(errors, fmt.Errorf("KCP guard_skew must be between 0-10 windows"))
		}
		if k.Key == "" {
			errors = append(errors, fmt.Errorf("KCP guard requires a non-empty key"))
		}
	}

	d, err := time.ParseDuration(k.HeaderTimeout_)
	if err != nil || d < time.Second || d > time.Hour {
		errors = append(errors, fmt.Errorf("KCP header_timeout must be between 1s-1h"))
	}
	k.HeaderTimeout = d

	if k.MaxSessions < -1 || k.MaxSessions > 1_000_000 {
		errors = append(errors, fmt.Errorf("KCP max_sessions must be -1 or between 1-1000000"))
	}
	if k.Smuxbuf < 1024 {
		errors = append(errors, fmt.Errorf("KCP smuxbuf must be >= 1024 bytes"))
	}
	if k.Streambuf < 1024 {
		errors = append(errors, fmt.Errorf("KCP streambuf must be >= 1024 bytes"))
	}
	return errors
}

func (k *KCP) GuardEnabled() bool { return k.Guard != nil && *k.Guard }

// GuardConfig returns the packet guard settings, or nil when the guard is off.
func (k *KCP) GuardConfig() *socket.GuardConfig {
	if !k.GuardEnabled() {
		return nil
	}
	return &socket.GuardConfig{
		Magic:  k.GuardMagic,
		Window: time.Duration(k.GuardWindow) * time.Second,
		Skew:   k.GuardSkew,
		Key:    k.Key,
	}
}
