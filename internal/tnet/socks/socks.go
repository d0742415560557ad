// Package socks reaches upstream endpoints through a SOCKS5 proxy.
package socks

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

// Dialer connects through a SOCKS5 server with optional username/password
// authentication.
type Dialer struct {
	Server   string
	Username string
	Password string
	Timeout  time.Duration
}

type dialResult struct {
	conn net.Conn
	err  error
}

// DialContext asks the proxy for a TCP connection to addr. The socks5 client
// has no context support, so a cancelled dial finishes in the background and
// its connection is closed.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("socks5: unsupported network %q", network)
	}
	timeout := max(int(d.Timeout/time.Second), 1)
	if dl, ok := ctx.Deadline(); ok {
		timeout = max(min(timeout, int(time.Until(dl)/time.Second)), 1)
	}
	// A Client carries per-dial state, so build one per dial.
	c, err := socks5.NewClient(d.Server, d.Username, d.Password, timeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5: %w", err)
	}

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := c.Dial("tcp", addr)
		ch <- dialResult{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("socks5: dial %s via %s: %w", addr, d.Server, r.err)
		}
		// Per-op timeouts would cut idle relayed streams.
		_ = r.conn.SetDeadline(time.Time{})
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
