// Package connector holds the relay.Connector policies fastrelay ships with.
package connector

import (
	"net"
	"path"
	"sync"

	"fastrelay/internal/flog"
	"fastrelay/internal/pkg/iterator"
	"fastrelay/internal/relay"

	"golang.org/x/time/rate"
)

// ListenerFunc builds the listener chain for one connection. A nil
// ListenerFunc, or one returning nil, means relay.Sink.
type ListenerFunc func() relay.Listener

func (f ListenerFunc) build() relay.Listener {
	if f == nil {
		return relay.Sink
	}
	if l := f(); l != nil {
		return l
	}
	return relay.Sink
}

// Static sends every client to the same endpoint.
type Static struct {
	Endpoint string
	Listener ListenerFunc
}

func (s *Static) Connect(net.Conn) (relay.Route, bool) {
	return relay.Route{Endpoint: s.Endpoint, Listener: s.Listener.build()}, true
}

// RoundRobin spreads clients across endpoints in order.
type RoundRobin struct {
	it       *iterator.Iterator[string]
	listener ListenerFunc
}

func NewRoundRobin(endpoints []string, l ListenerFunc) *RoundRobin {
	return &RoundRobin{it: iterator.New(endpoints...), listener: l}
}

func (r *RoundRobin) Connect(net.Conn) (relay.Route, bool) {
	ep, ok := r.it.Next()
	if !ok {
		return relay.Route{}, false
	}
	return relay.Route{Endpoint: ep, Listener: r.listener.build()}, true
}

// RateLimit rejects clients arriving faster than the limiter allows.
type RateLimit struct {
	inner   relay.Connector
	limiter *rate.Limiter
}

// NewRateLimit admits perSecond clients per second with the given burst. A
// non-positive perSecond disables the limit.
func NewRateLimit(inner relay.Connector, perSecond float64, burst int) *RateLimit {
	r := &RateLimit{inner: inner, limiter: rate.NewLimiter(rate.Inf, 0)}
	r.SetLimit(perSecond, burst)
	return r
}

// SetLimit changes the admission rate of a running connector.
func (r *RateLimit) SetLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
	r.limiter.SetBurst(max(burst, 1))
}

func (r *RateLimit) Connect(client net.Conn) (relay.Route, bool) {
	if !r.limiter.Allow() {
		flog.Debugf("rate limit: rejecting %s", remote(client))
		return relay.Route{}, false
	}
	return r.inner.Connect(client)
}

// Targeted is a client that already names where it wants to go, such as a
// tunnel stream.
type Targeted interface {
	Target() string
}

// Tunnel is the exit side of a tunnel: every client carries its own target,
// optionally checked against an allow list of host:port patterns ("*"
// matches any run of characters, as in path.Match).
type Tunnel struct {
	Allow    []string
	Listener ListenerFunc

	once sync.Once
}

func (t *Tunnel) Connect(client net.Conn) (relay.Route, bool) {
	tc, ok := client.(Targeted)
	if !ok {
		flog.Warnf("tunnel: %s carries no target", remote(client))
		return relay.Route{}, false
	}
	target := tc.Target()
	if !t.allowed(target) {
		flog.Infof("tunnel: target %s not allowed for %s", target, remote(client))
		return relay.Route{}, false
	}
	return relay.Route{Endpoint: target, Listener: t.Listener.build()}, true
}

func (t *Tunnel) allowed(target string) bool {
	if len(t.Allow) == 0 {
		return true
	}
	for _, p := range t.Allow {
		ok, err := path.Match(p, target)
		if err != nil {
			t.once.Do(func() { flog.Errorf("tunnel: bad allow pattern %q: %v", p, err) })
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func remote(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return "<unknown>"
	}
	return c.RemoteAddr().String()
}

var (
	_ relay.Connector = (*Static)(nil)
	_ relay.Connector = (*RoundRobin)(nil)
	_ relay.Connector = (*RateLimit)(nil)
	_ relay.Connector = (*Tunnel)(nil)
)
