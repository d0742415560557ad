package relay

import (
	"net"
	"time"

	"fastrelay/internal/diag"
	"fastrelay/internal/flog"
	"fastrelay/internal/tnet"
)

const (
	DefaultBufferSize  = 4096
	DefaultDialTimeout = 10 * time.Second
)

type options struct {
	bufferSize  int
	dialer      tnet.Dialer
	dialTimeout time.Duration
	onError     func(error)
}

// Option configures a Relay.
type Option func(*options)

// WithBufferSize sets the per-direction I/O size. It must be a multiple of 4096.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithDialer replaces the dialer used to reach upstream endpoints.
func WithDialer(d tnet.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithDialTimeout bounds each upstream connect. Zero disables the bound.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithErrorHandler receives every connection-level and accept-level error.
// It is called from relay goroutines and must not block.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

func defaultOptions() options {
	return options{
		bufferSize:  DefaultBufferSize,
		dialer:      &net.Dialer{KeepAlive: 30 * time.Second},
		dialTimeout: DefaultDialTimeout,
		onError:     logError,
	}
}

func logError(err error) {
	if diag.IsBenignStreamErr(err) {
		flog.Debugf("%v", err)
		return
	}
	flog.Warnf("%v", err)
}
