package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"fastrelay/internal/diag"
)

const (
	upstreamDone   uint32 = 1 << Upstream
	downstreamDone uint32 = 1 << Downstream
	bothDone              = upstreamDone | downstreamDone
)

// Connection owns one accepted client, its upstream socket and the two
// channels between them.
type Connection struct {
	client   net.Conn
	endpoint string
	listener Listener
	server   *Relay

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	upstream net.Conn
	up       *channel
	down     *channel
	started  bool

	completed atomic.Uint32
	aborted   atomic.Bool
	closed    atomic.Bool
}

func newConnection(server *Relay, client net.Conn, route Route) *Connection {
	l := route.Listener
	if l == nil {
		l = Sink
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		client:   client,
		endpoint: route.Endpoint,
		listener: l,
		server:   server,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RemoteAddr is the client's address.
func (c *Connection) RemoteAddr() net.Addr { return c.client.RemoteAddr() }

// Endpoint is the upstream address the connection was routed to.
func (c *Connection) Endpoint() string { return c.endpoint }

func (c *Connection) start() {
	go c.connect()
}

func (c *Connection) connect() {
	ctx := c.ctx
	if t := c.server.opts.dialTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	up, err := c.server.opts.dialer.DialContext(ctx, "tcp", c.endpoint)

	c.mu.Lock()
	if c.aborted.Load() {
		c.mu.Unlock()
		if up != nil {
			_ = up.Close()
		}
		c.close()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.report(&Error{Op: "connect", Remote: c.client.RemoteAddr(), Err: fmt.Errorf("dial %s: %w", c.endpoint, err)})
		c.close()
		return
	}
	c.upstream = up
	c.mu.Unlock()

	setLinger(c.client, -1)
	setLinger(up, -1)

	if err := c.notifyConnected(); err != nil {
		c.stop(err)
		return
	}

	pool := c.server.pool
	upPair, err := pool.Take()
	if err != nil {
		c.stop(&Error{Op: "connect", Remote: c.client.RemoteAddr(), Err: err})
		return
	}
	downPair, err := pool.Take()
	if err != nil {
		pool.Give(upPair)
		c.stop(&Error{Op: "connect", Remote: c.client.RemoteAddr(), Err: err})
		return
	}

	c.mu.Lock()
	c.up = newChannel(Upstream, c, c.client, up, upPair)
	c.down = newChannel(Downstream, c, up, c.client, downPair)
	c.started = true
	aborted := c.aborted.Load()
	c.mu.Unlock()
	diag.IncActive()

	if aborted {
		// abort ran before the channels existed; let them wind down now.
		c.up.abort()
		c.down.abort()
		return
	}
	c.up.start()
	c.down.start()
}

func (c *Connection) notifyConnected() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Op: "listener", Remote: c.client.RemoteAddr(), Err: fmt.Errorf("panic in Connected: %v", r)}
		}
	}()
	c.listener.Connected()
	return nil
}

func (c *Connection) notifyClosed() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Op: "listener", Remote: c.client.RemoteAddr(), Err: fmt.Errorf("panic in Closed: %v", r)}
		}
	}()
	c.listener.Closed()
	return nil
}

// fail surfaces err unless the connection is already being torn down on
// purpose, then aborts it.
func (c *Connection) fail(err error) {
	if c.aborted.Load() {
		return
	}
	c.report(err)
	c.abort()
}

// stop tears down a connection whose channels never started.
func (c *Connection) stop(err error) {
	c.fail(err)
	c.abort()
	c.close()
}

func (c *Connection) report(err error) {
	diag.IncErrors()
	c.server.report(err)
}

func (c *Connection) closeClient() {
	diag.IncClientCloses()
	c.abort()
}

// abort drops both sockets with a reset and stops both channels. The
// connection disposes once both channels are done, or right away when it
// never got that far.
func (c *Connection) abort() {
	if !c.aborted.CompareAndSwap(false, true) {
		return
	}
	c.cancel()

	c.mu.Lock()
	started := c.started
	up := c.upstream
	c.mu.Unlock()

	setLinger(c.client, 0)
	_ = c.client.Close()
	if up != nil {
		setLinger(up, 0)
		_ = up.Close()
	}

	if started {
		c.up.abort()
		c.down.abort()
	}
}

// halfClose signals end of stream to the peer behind target.
func (c *Connection) halfClose(target net.Conn) {
	if c.aborted.Load() {
		return
	}
	if cw, ok := target.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func (c *Connection) channelDone(dir Direction) {
	bit := uint32(1) << dir
	for {
		old := c.completed.Load()
		if old&bit != 0 {
			panic(fmt.Sprintf("relay: %s channel completed twice", dir))
		}
		if !c.completed.CompareAndSwap(old, old|bit) {
			continue
		}
		if old|bit == bothDone {
			c.close()
		}
		return
	}
}

// close disposes the connection exactly once.
func (c *Connection) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()

	c.mu.Lock()
	up := c.upstream
	started := c.started
	c.mu.Unlock()

	var errs []error
	if !c.aborted.Load() {
		errs = append(errs, shutdown(c.client))
		if up != nil {
			errs = append(errs, shutdown(up))
		}
	}
	errs = append(errs, closeConn(c.client))
	if up != nil {
		errs = append(errs, closeConn(up))
	}

	if started {
		c.server.pool.Give(c.up.pair)
		c.server.pool.Give(c.down.pair)
		diag.DecActive()
	}

	if err := c.notifyClosed(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		c.report(&Error{Op: "close", Remote: c.client.RemoteAddr(), Err: err})
	}
	c.server.remove(c)
}

func shutdown(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil && !diag.IsBenignStreamErr(err) {
			return err
		}
	}
	return nil
}

func closeConn(conn net.Conn) error {
	if err := conn.Close(); err != nil && !diag.IsBenignStreamErr(err) {
		return err
	}
	return nil
}

func setLinger(conn net.Conn, sec int) {
	if l, ok := conn.(interface{ SetLinger(int) error }); ok {
		_ = l.SetLinger(sec)
	}
}
