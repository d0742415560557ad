package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fastrelay/internal/diag"
	"fastrelay/internal/flog"
	"fastrelay/internal/sockop"
)

const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

// Relay accepts clients and relays each of them to the upstream endpoint its
// Connector picks.
type Relay struct {
	addr      string
	connector Connector
	opts      options
	pool      *sockop.Pool

	state atomic.Int32
	ln    net.Listener
	loop  sync.WaitGroup

	mu    sync.Mutex
	conns map[*Connection]struct{}
	live  sync.WaitGroup
}

func New(addr string, connector Connector, opts ...Option) (*Relay, error) {
	if connector == nil {
		return nil, errors.New("relay: connector is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		return nil, errors.New("relay: dialer is required")
	}
	if o.onError == nil {
		o.onError = logError
	}
	pool, err := sockop.NewPool(o.bufferSize)
	if err != nil {
		return nil, fmt.Errorf("relay: buffer size %d: %w", o.bufferSize, err)
	}
	return &Relay{
		addr:      addr,
		connector: connector,
		opts:      o,
		pool:      pool,
		conns:     make(map[*Connection]struct{}),
	}, nil
}

// Start binds the listening socket and begins accepting in the background.
func (r *Relay) Start() error {
	if err := r.checkStartable(); err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", r.addr, err)
	}
	return r.serve(ln)
}

// StartOn accepts clients from an existing listener.
func (r *Relay) StartOn(ln net.Listener) error {
	if err := r.checkStartable(); err != nil {
		return err
	}
	return r.serve(ln)
}

func (r *Relay) checkStartable() error {
	switch r.state.Load() {
	case stateRunning:
		return ErrRelayStarted
	case stateClosed:
		return ErrRelayClosed
	}
	return nil
}

func (r *Relay) serve(ln net.Listener) error {
	if !r.state.CompareAndSwap(stateNew, stateRunning) {
		_ = ln.Close()
		return r.checkStartable()
	}
	r.ln = ln
	flog.Infof("relay listening on %s", ln.Addr())
	r.loop.Go(r.acceptLoop)
	return nil
}

// Addr is the local listening address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	if r.state.Load() == stateNew || r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Pool exposes the shared operation pool for diagnostics.
func (r *Relay) Pool() *sockop.Pool { return r.pool }

// Live returns the number of connections not yet disposed.
func (r *Relay) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Relay) acceptLoop() {
	acceptBackoff := 100 * time.Millisecond
	for {
		client, err := r.ln.Accept()
		if err != nil {
			if r.state.Load() == stateClosed || errors.Is(err, net.ErrClosed) {
				return
			}
			r.report(&Error{Op: "accept", Err: err})
			time.Sleep(acceptBackoff)
			if acceptBackoff < 5*time.Second {
				acceptBackoff *= 2
				if acceptBackoff > 5*time.Second {
					acceptBackoff = 5 * time.Second
				}
			}
			continue
		}
		acceptBackoff = 100 * time.Millisecond
		diag.IncAccepted()
		r.handle(client)
	}
}

func (r *Relay) handle(client net.Conn) {
	route, ok := r.connect(client)
	if !ok {
		diag.IncRejected()
		flog.Debugf("rejected connection from %v", client.RemoteAddr())
		_ = client.Close()
		return
	}

	c := newConnection(r, client, route)
	r.mu.Lock()
	if r.state.Load() == stateClosed {
		r.mu.Unlock()
		_ = client.Close()
		return
	}
	r.conns[c] = struct{}{}
	r.live.Add(1)
	r.mu.Unlock()

	flog.Debugf("accepted connection from %v -> %s", client.RemoteAddr(), route.Endpoint)
	c.start()
}

func (r *Relay) connect(client net.Conn) (route Route, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.report(&Error{Op: "accept", Remote: client.RemoteAddr(), Err: fmt.Errorf("panic in Connect: %v", rec)})
			ok = false
		}
	}()
	return r.connector.Connect(client)
}

func (r *Relay) remove(c *Connection) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if ok {
		r.live.Done()
	}
}

func (r *Relay) report(err error) {
	r.opts.onError(err)
}

// Close stops accepting, aborts every live connection, waits until each has
// been disposed and releases the pool.
func (r *Relay) Close() error {
	prev := r.state.Swap(stateClosed)
	switch prev {
	case stateClosed:
		return ErrRelayClosed
	case stateNew:
		return r.pool.Close()
	}

	var errs []error
	if err := r.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	r.loop.Wait()

	r.mu.Lock()
	live := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		live = append(live, c)
	}
	r.mu.Unlock()

	for _, c := range live {
		c.abort()
	}
	r.live.Wait()

	if err := r.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	flog.Infof("relay on %s closed (%d connections aborted)", r.ln.Addr(), len(live))
	return errors.Join(errs...)
}
