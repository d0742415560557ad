package kcp

import (
	"errors"
	"net"
	"sync"
	"time"

	"fastrelay/internal/conf"
	"fastrelay/internal/flog"
	"fastrelay/internal/protocol"
	"fastrelay/internal/socket"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

// Listener is the exit side of the tunnel. It accepts KCP sessions, reads
// the target header of every stream and hands out CONNECT streams through
// Accept, so it can feed a relay directly.
type Listener struct {
	cfg      *conf.KCP
	pc       net.PacketConn
	listener *kcp.Listener

	streams chan *Stream
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[*Conn]struct{}
}

func Listen(addr string, cfg *conf.KCP) (*Listener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	gpc := socket.NewGuardConn(pc, cfg.GuardConfig())
	l, err := kcp.ServeConn(cfg.Block, cfg.Dshard, cfg.Pshard, gpc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	ln := &Listener{
		cfg:      cfg,
		pc:       gpc,
		listener: l,
		streams:  make(chan *Stream),
		done:     make(chan struct{}),
		sessions: make(map[*Conn]struct{}),
	}
	ln.wg.Go(ln.acceptSessions)
	return ln, nil
}

// Accept returns the next stream that asked for a target.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) acceptSessions() {
	for {
		us, err := l.listener.AcceptKCP()
		if err != nil {
			select {
			case <-l.done:
			default:
				flog.Errorf("kcp: accept session failed: %v", err)
			}
			return
		}
		if limit := l.cfg.MaxSessions; limit > 0 && l.sessionCount() >= limit {
			flog.Warnf("kcp: session limit %d reached, dropping %s", limit, us.RemoteAddr())
			_ = us.Close()
			continue
		}
		aplConf(us, l.cfg)
		sess, err := smux.Server(us, smuxConf(l.cfg))
		if err != nil {
			_ = us.Close()
			continue
		}
		conn := &Conn{PacketConn: l.pc, UDPSession: us, Session: sess}
		l.mu.Lock()
		select {
		case <-l.done:
			l.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		l.sessions[conn] = struct{}{}
		l.mu.Unlock()
		flog.Debugf("kcp: session from %s", us.RemoteAddr())
		l.wg.Go(func() { l.serve(conn) })
	}
}

func (l *Listener) sessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) serve(conn *Conn) {
	defer func() {
		l.mu.Lock()
		delete(l.sessions, conn)
		l.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		strm, err := conn.Session.AcceptStream()
		if err != nil {
			return
		}
		go l.handshake(strm)
	}
}

func (l *Listener) handshake(strm *smux.Stream) {
	_ = strm.SetReadDeadline(time.Now().Add(l.cfg.HeaderTimeout))
	var p protocol.Proto
	if err := p.Read(strm); err != nil {
		flog.Debugf("kcp: stream %d header: %v", strm.ID(), err)
		_ = strm.Close()
		return
	}
	_ = strm.SetReadDeadline(time.Time{})

	switch {
	case p.Type == protocol.PPING:
		_ = (&protocol.Proto{Type: protocol.PPONG}).Write(strm)
		_ = strm.Close()
	case p.Type == protocol.PCONNECT && p.Addr != nil:
		select {
		case l.streams <- &Stream{Stream: strm, target: p.Addr.String()}:
		case <-l.done:
			_ = strm.Close()
		}
	default:
		flog.Debugf("kcp: stream %d: unexpected type %d", strm.ID(), p.Type)
		_ = strm.Close()
	}
}

func (l *Listener) Close() error {
	var errs []error
	l.once.Do(func() {
		close(l.done)
		errs = append(errs, l.listener.Close())
		l.mu.Lock()
		for c := range l.sessions {
			_ = c.Session.Close()
		}
		l.mu.Unlock()
		errs = append(errs, l.pc.Close())
		l.wg.Wait()
	})
	return errors.Join(errs...)
}

func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

var _ net.Listener = (*Listener)(nil)
