package kcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"fastrelay/internal/conf"
	"fastrelay/internal/flog"
	"fastrelay/internal/pkg/iterator"
	"fastrelay/internal/protocol"
	"fastrelay/internal/socket"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

const pingTimeout = 5 * time.Second

var ErrDialerClosed = errors.New("kcp: dialer closed")

// Dialer opens tunnel streams to an exit. It keeps a fixed number of KCP
// sessions, picks them round robin and redials a session lazily once it
// breaks.
type Dialer struct {
	server string
	cfg    *conf.KCP
	iter   *iterator.Iterator[*session]

	mu     sync.Mutex
	closed bool
}

type session struct {
	d *Dialer

	mu   sync.Mutex
	conn *Conn
}

// NewDialer prepares conns sessions to server. Nothing is dialed until the
// first DialContext.
func NewDialer(server string, conns int, cfg *conf.KCP) *Dialer {
	d := &Dialer{server: server, cfg: cfg}
	sessions := make([]*session, max(conns, 1))
	for i := range sessions {
		sessions[i] = &session{d: d}
	}
	d.iter = iterator.New(sessions...)
	return d
}

// DialContext opens a stream through the tunnel and asks the exit to connect
// it to addr.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("kcp: unsupported network %q", network)
	}
	target, err := protocol.ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	var errs []error
	for range d.iter.Len() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, _ := d.iter.Next()
		conn, err := s.get(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		strm, err := conn.Session.OpenStream()
		if err != nil {
			flog.Debugf("kcp: open stream failed, dropping session: %v", err)
			s.drop(conn)
			errs = append(errs, err)
			continue
		}
		if dl, ok := ctx.Deadline(); ok {
			_ = strm.SetWriteDeadline(dl)
		}
		p := protocol.Proto{Type: protocol.PCONNECT, Addr: target}
		if err := p.Write(strm); err != nil {
			_ = strm.Close()
			errs = append(errs, err)
			continue
		}
		_ = strm.SetWriteDeadline(time.Time{})
		return &Stream{Stream: strm, target: addr}, nil
	}
	return nil, fmt.Errorf("kcp: no tunnel session to %s: %w", d.server, errors.Join(errs...))
}

func (s *session) get(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.Closed() {
		return s.conn, nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.d.isClosed() {
		return nil, ErrDialerClosed
	}
	conn, err := s.d.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *session) drop(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		_ = conn.Close()
		s.conn = nil
	}
}

func (d *Dialer) dial(ctx context.Context) (*Conn, error) {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("kcp: open udp socket: %w", err)
	}
	gpc := socket.NewGuardConn(pc, d.cfg.GuardConfig())

	us, err := kcp.NewConn(d.server, d.cfg.Block, d.cfg.Dshard, d.cfg.Pshard, gpc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("kcp: dial %s: %w", d.server, err)
	}
	aplConf(us, d.cfg)

	sess, err := smux.Client(us, smuxConf(d.cfg))
	if err != nil {
		_ = us.Close()
		_ = pc.Close()
		return nil, fmt.Errorf("kcp: smux client: %w", err)
	}
	conn := &Conn{PacketConn: gpc, OwnPacketConn: true, UDPSession: us, Session: sess}

	timeout := pingTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if err := conn.Ping(timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	flog.Debugf("kcp: session to %s established", d.server)
	return conn, nil
}

func (d *Dialer) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close tears down every session. Streams already handed out die with them.
func (d *Dialer) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	var errs []error
	for _, s := range d.iter.Items {
		s.mu.Lock()
		if s.conn != nil {
			errs = append(errs, s.conn.Close())
			s.conn = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
