package listener

import (
	"time"

	"fastrelay/internal/relay"

	"github.com/benbjohnson/clock"
)

// Delay holds every chunk back for a fixed time before forwarding it.
type Delay struct {
	inner relay.Listener
	delay time.Duration
	clock clock.Clock
}

func NewDelay(inner relay.Listener, d time.Duration) *Delay {
	return NewDelayWithClock(inner, d, clock.New())
}

func NewDelayWithClock(inner relay.Listener, d time.Duration, clk clock.Clock) *Delay {
	if inner == nil {
		inner = relay.Sink
	}
	return &Delay{inner: inner, delay: d, clock: clk}
}

func (d *Delay) Connected() { d.inner.Connected() }
func (d *Delay) Closed()    { d.inner.Closed() }

func (d *Delay) DataReceived(n int, dir relay.Direction) relay.Result {
	res := d.inner.DataReceived(n, dir)
	if d.delay <= 0 || res.Outcome() != relay.Continue {
		return res
	}
	c := relay.NewContinuation()
	d.clock.AfterFunc(d.delay, func() { c.SetOutcome(relay.Continue) })
	return c.Result()
}
