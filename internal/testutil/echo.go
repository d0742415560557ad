// Package testutil holds loopback servers shared by package tests.
package testutil

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// EchoServer writes back everything it reads and half-closes when the client
// does.
type EchoServer struct {
	ln       net.Listener
	wg       sync.WaitGroup
	accepted atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewEchoServer(t testing.TB) *EchoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	e := &EchoServer{ln: ln, conns: make(map[net.Conn]struct{})}
	e.wg.Go(e.serve)
	t.Cleanup(e.Close)
	return e
}

func (e *EchoServer) Addr() string { return e.ln.Addr().String() }

// Accepted is the number of connections served so far.
func (e *EchoServer) Accepted() int64 { return e.accepted.Load() }

func (e *EchoServer) serve() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.accepted.Add(1)
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()
		e.wg.Go(func() {
			defer func() {
				e.mu.Lock()
				delete(e.conns, conn)
				e.mu.Unlock()
				_ = conn.Close()
			}()
			_, _ = io.Copy(conn, conn)
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		})
	}
}

func (e *EchoServer) Close() {
	_ = e.ln.Close()
	e.mu.Lock()
	for c := range e.conns {
		_ = c.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// ClosedAddr returns a loopback address nothing listens on.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
