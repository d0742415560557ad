// Package listener holds the relay.Listener decorators composed in front of
// relay.Sink: byte counters, bandwidth averaging, throttling and fixed delay.
package listener

import (
	"sync/atomic"

	"fastrelay/internal/relay"
)

// Counter totals the bytes seen in each direction.
type Counter struct {
	inner      relay.Listener
	upstream   atomic.Int64
	downstream atomic.Int64
}

func NewCounter(inner relay.Listener) *Counter {
	if inner == nil {
		inner = relay.Sink
	}
	return &Counter{inner: inner}
}

func (c *Counter) Connected() { c.inner.Connected() }
func (c *Counter) Closed()    { c.inner.Closed() }

func (c *Counter) DataReceived(n int, dir relay.Direction) relay.Result {
	res := c.inner.DataReceived(n, dir)
	if dir == relay.Upstream {
		c.upstream.Add(int64(n))
	} else {
		c.downstream.Add(int64(n))
	}
	return res
}

func (c *Counter) Upstream() int64   { return c.upstream.Load() }
func (c *Counter) Downstream() int64 { return c.downstream.Load() }
