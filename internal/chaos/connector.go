package chaos

import (
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fastrelay/internal/diag"
	"fastrelay/internal/relay"

	"github.com/benbjohnson/clock"
)

// Connector wraps another connector and applies a Config to every client it
// accepts.
type Connector struct {
	inner relay.Connector
	clock clock.Clock
	cfg   atomic.Pointer[Config]

	mu  sync.Mutex
	rng *rand.Rand

	onRejected func(client net.Conn)
	onAborted  func(Aborted)

	rejected atomic.Int64
	aborted  atomic.Int64
}

type Option func(*Connector)

// WithRand replaces the random source, mostly so tests are repeatable.
func WithRand(rng *rand.Rand) Option { return func(c *Connector) { c.rng = rng } }

func WithClock(clk clock.Clock) Option { return func(c *Connector) { c.clock = clk } }

// OnRejected is called for every client chaos turns away.
func OnRejected(fn func(client net.Conn)) Option { return func(c *Connector) { c.onRejected = fn } }

// OnAborted is called once per connection chaos cuts off. It runs on the
// relay's completion goroutine and must not block.
func OnAborted(fn func(Aborted)) Option { return func(c *Connector) { c.onAborted = fn } }

func New(cfg Config, inner relay.Connector, opts ...Option) *Connector {
	c := &Connector{
		inner: inner,
		clock: clock.New(),
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(c)
	}
	c.SetConfig(cfg)
	return c
}

// SetConfig swaps the configuration used for clients accepted from now on.
func (c *Connector) SetConfig(cfg Config) { c.cfg.Store(&cfg) }

func (c *Connector) Config() Config { return *c.cfg.Load() }

func (c *Connector) Connect(client net.Conn) (relay.Route, bool) {
	route, ok := c.inner.Connect(client)
	if !ok {
		return route, false
	}
	cfg := c.cfg.Load()

	c.mu.Lock()
	if c.rng.Float64() < cfg.Reject {
		c.mu.Unlock()
		c.rejected.Add(1)
		diag.IncChaosRejects()
		if c.onRejected != nil {
			c.onRejected(client)
		}
		return relay.Route{}, false
	}
	if c.rng.Float64() < cfg.Abort {
		route.Listener = c.newListener(route.Listener, cfg)
	}
	c.mu.Unlock()
	return route, true
}

// newListener samples the thresholds for one connection. Callers hold c.mu.
func (c *Connector) newListener(inner relay.Listener, cfg *Config) *listener {
	if inner == nil {
		inner = relay.Sink
	}
	l := &listener{inner: inner, connector: c}
	if cfg.Duration != nil {
		l.deadline = c.clock.Now().Add(cfg.Duration.sample(c.rng))
		l.timed = true
	}
	if cfg.UpstreamBytes != nil {
		l.up.limit = cfg.UpstreamBytes.sample(c.rng)
		l.up.limited = true
	}
	if cfg.DownstreamBytes != nil {
		l.down.limit = cfg.DownstreamBytes.sample(c.rng)
		l.down.limited = true
	}
	return l
}

func (c *Connector) abort(a Aborted) {
	c.aborted.Add(1)
	diag.IncChaosAborts()
	if c.onAborted != nil {
		c.onAborted(a)
	}
}

// Rejected is the number of clients rejected so far.
func (c *Connector) Rejected() int64 { return c.rejected.Load() }

// Aborts is the number of connections aborted so far.
func (c *Connector) Aborts() int64 { return c.aborted.Load() }

var _ relay.Connector = (*Connector)(nil)

type tracker struct {
	limit       int64
	limited     bool
	transferred atomic.Int64
}

// listener cuts one connection off once it passes its deadline or one of
// its byte limits. Both directions count bytes even without a limit, so the
// totals in Aborted are always meaningful.
type listener struct {
	inner     relay.Listener
	connector *Connector

	deadline time.Time
	timed    bool
	up       tracker
	down     tracker

	fired atomic.Bool
}

func (l *listener) Connected() { l.inner.Connected() }
func (l *listener) Closed()    { l.inner.Closed() }

func (l *listener) DataReceived(n int, dir relay.Direction) relay.Result {
	t := &l.up
	if dir == relay.Downstream {
		t = &l.down
	}
	total := t.transferred.Add(int64(n))

	switch {
	case l.fired.Load():
		return relay.CloseClientResult
	case l.timed && !l.connector.clock.Now().Before(l.deadline):
		return l.fire(TimeExpired)
	case t.limited && total > t.limit:
		return l.fire(MaximumTransferred)
	}
	return l.inner.DataReceived(n, dir)
}

func (l *listener) fire(reason AbortReason) relay.Result {
	if l.fired.CompareAndSwap(false, true) {
		l.connector.abort(Aborted{
			Reason:     reason,
			Upstream:   l.up.transferred.Load(),
			Downstream: l.down.transferred.Load(),
		})
	}
	return relay.CloseClientResult
}
