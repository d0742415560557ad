package socks

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"fastrelay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/txthinking/socks5"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startProxy(t *testing.T, user, pass string) string {
	t.Helper()
	addr := freeAddr(t)
	s, err := socks5.NewClassicServer(addr, "127.0.0.1", user, pass, 10, 10)
	require.NoError(t, err)
	go func() { _ = s.ListenAndServe(nil) }()
	t.Cleanup(func() { _ = s.Shutdown() })

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return addr
}

func TestDialThroughProxy(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	d := &Dialer{Server: startProxy(t, "user", "pass"), Username: "user", Password: "pass", Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := d.DialContext(ctx, "tcp", echo.Addr())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Write([]byte("via socks"))
	require.NoError(t, err)
	got := make([]byte, len("via socks"))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "via socks", string(got))
}

func TestDialWrongPassword(t *testing.T) {
	d := &Dialer{Server: startProxy(t, "user", "pass"), Username: "user", Password: "nope", Timeout: 2 * time.Second}
	_, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestDialUnsupportedNetwork(t *testing.T) {
	d := &Dialer{Server: "127.0.0.1:1080"}
	_, err := d.DialContext(context.Background(), "udp", "1.1.1.1:53")
	assert.Error(t, err)
}
