// Package kcp carries relayed TCP streams over KCP sessions multiplexed with
// smux: Dialer is the entry side, Listener the exit side.
package kcp

import (
	"time"

	"fastrelay/internal/conf"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

type mode struct {
	noDelay, interval, resend, noCongestion int
	wDelay, ackNoDelay                      bool
}

var modes = map[string]mode{
	"normal": {0, 40, 2, 0, true, false},
	"fast":   {0, 30, 2, 0, true, false},
	"fast2":  {1, 20, 2, 0, false, true},
	"fast3":  {1, 10, 2, 0, false, true},
}

func aplConf(conn *kcp.UDPSession, cfg *conf.KCP) {
	// smux wants a byte stream; stream mode also avoids per-message fragment
	// head-of-line blocking.
	conn.SetStreamMode(true)

	m, ok := modes[cfg.Mode]
	if !ok {
		m = mode{cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion, cfg.WDelay, cfg.AckNoDelay}
	}
	conn.SetNoDelay(m.noDelay, m.interval, m.resend, m.noCongestion)
	conn.SetWindowSize(cfg.Sndwnd, cfg.Rcvwnd)
	conn.SetMtu(cfg.MTU)
	conn.SetWriteDelay(m.wDelay)
	conn.SetACKNoDelay(m.ackNoDelay)
	conn.SetDSCP(46)
}

func smuxConf(cfg *conf.KCP) *smux.Config {
	sc := smux.DefaultConfig()
	sc.Version = 2
	sc.KeepAliveInterval = 2 * time.Second
	sc.KeepAliveTimeout = 8 * time.Second
	sc.MaxFrameSize = 65535
	sc.MaxReceiveBuffer = cfg.Smuxbuf
	sc.MaxStreamBuffer = cfg.Streambuf
	return sc
}
