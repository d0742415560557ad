// Package socket holds packet-level wrappers for the tunnel's UDP socket.
package socket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const guardHeaderLen = 12 // 4 bytes magic + 8 bytes cookie

// GuardConfig must be identical on both ends of a tunnel.
type GuardConfig struct {
	Magic  string        // exactly 4 bytes
	Window time.Duration // cookie rotation period
	Skew   int           // previous windows still accepted
	Key    string
}

type guardCookies struct {
	win     uint64
	cookies [][8]byte // cookies[0] is the current window
}

// GuardConn prepends magic(4) + cookie(8) to every datagram and silently drops
// inbound datagrams that do not carry a valid one, so stray traffic on the
// tunnel port never reaches KCP decryption.
type GuardConn struct {
	net.PacketConn

	magic  [4]byte
	window int64 // seconds
	skew   int
	key    [32]byte
	now    func() time.Time

	state   atomic.Pointer[guardCookies]
	bufPool sync.Pool

	dropped atomic.Uint64
}

// NewGuardConn wraps pc, or returns pc unchanged when cfg is nil or unusable.
func NewGuardConn(pc net.PacketConn, cfg *GuardConfig) net.PacketConn {
	if pc == nil || cfg == nil || len(cfg.Magic) != 4 || cfg.Window < time.Second || cfg.Skew < 0 || cfg.Key == "" {
		return pc
	}
	g := &GuardConn{
		PacketConn: pc,
		window:     int64(cfg.Window / time.Second),
		skew:       cfg.Skew,
		now:        time.Now,
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, 0, 2048)
				return &b
			},
		},
	}
	copy(g.magic[:], cfg.Magic)
	copy(g.key[:], pbkdf2.Key([]byte(cfg.Key), []byte("fastrelay_guard"), 100_000, 32, sha256.New))
	g.cookiesNow()
	return g
}

func (g *GuardConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := g.PacketConn.ReadFrom(p)
		if err != nil {
			return 0, nil, err
		}
		if !g.valid(p[:n]) {
			g.dropped.Add(1)
			continue
		}
		copy(p, p[guardHeaderLen:n])
		return n - guardHeaderLen, addr, nil
	}
}

func (g *GuardConn) valid(pkt []byte) bool {
	if len(pkt) < guardHeaderLen || !hmac.Equal(pkt[:4], g.magic[:]) {
		return false
	}
	for _, c := range g.cookiesNow().cookies {
		if hmac.Equal(pkt[4:guardHeaderLen], c[:]) {
			return true
		}
	}
	return false
}

func (g *GuardConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	cookie := g.cookiesNow().cookies[0]

	bp := g.bufPool.Get().(*[]byte)
	buf := append((*bp)[:0], g.magic[:]...)
	buf = append(buf, cookie[:]...)
	buf = append(buf, p...)

	_, err := g.PacketConn.WriteTo(buf, addr)
	*bp = buf[:0]
	g.bufPool.Put(bp)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Dropped counts inbound datagrams rejected by the guard.
func (g *GuardConn) Dropped() uint64 { return g.dropped.Load() }

func (g *GuardConn) cookiesNow() *guardCookies {
	win := uint64(g.now().Unix() / g.window)
	if c := g.state.Load(); c != nil && c.win == win {
		return c
	}
	c := &guardCookies{win: win, cookies: make([][8]byte, g.skew+1)}
	for i := range c.cookies {
		c.cookies[i] = g.cookie(win - uint64(i))
	}
	g.state.Store(c)
	return c
}

func (g *GuardConn) cookie(win uint64) [8]byte {
	var wb [8]byte
	binary.BigEndian.PutUint64(wb[:], win)

	mac := hmac.New(sha256.New, g.key[:])
	mac.Write(g.magic[:])
	mac.Write(wb[:])

	var out [8]byte
	copy(out[:], mac.Sum(nil))
	return out
}
