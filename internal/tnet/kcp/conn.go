package kcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"fastrelay/internal/protocol"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

// Conn is one KCP session with its smux session on top.
type Conn struct {
	PacketConn    net.PacketConn
	OwnPacketConn bool
	UDPSession    *kcp.UDPSession
	Session       *smux.Session
}

// Stream is a tunnel stream that knows the target it was opened for.
type Stream struct {
	*smux.Stream
	target string
}

// Target is the host:port the entry side asked for.
func (s *Stream) Target() string { return s.target }

func (c *Conn) Closed() bool { return c.Session == nil || c.Session.IsClosed() }

// Ping opens a stream and waits for the exit to answer, which proves the
// session is up and both sides agree on key and guard.
func (c *Conn) Ping(timeout time.Duration) error {
	strm, err := c.Session.OpenStream()
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer strm.Close()

	_ = strm.SetDeadline(time.Now().Add(timeout))
	p := protocol.Proto{Type: protocol.PPING}
	if err := p.Write(strm); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	if err := p.Read(strm); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	if p.Type != protocol.PPONG {
		return fmt.Errorf("connection test failed: unexpected response type %d", p.Type)
	}
	return nil
}

func (c *Conn) Close() error {
	var errs []error
	if c.Session != nil {
		if err := c.Session.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
	}
	if c.UDPSession != nil {
		if err := c.UDPSession.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
	}
	if c.PacketConn != nil && c.OwnPacketConn {
		if err := c.PacketConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
