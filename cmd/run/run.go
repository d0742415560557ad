package run

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"fastrelay/internal/chaos"
	"fastrelay/internal/conf"
	"fastrelay/internal/connector"
	"fastrelay/internal/diag"
	"fastrelay/internal/flog"
	"fastrelay/internal/listener"
	"fastrelay/internal/relay"
	"fastrelay/internal/tnet"
	"fastrelay/internal/tnet/kcp"
	"fastrelay/internal/tnet/socks"

	"github.com/spf13/cobra"
)

var confPath string

func init() {
	Cmd.Flags().StringVarP(&confPath, "config", "c", "config.yaml", "Path to the configuration file.")
}

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the relay or the tunnel exit based on the config file.",
	Long:  `The 'run' command reads the specified YAML configuration file and serves until SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := conf.LoadFromFile(confPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := start(cfg)
		if err != nil {
			flog.Fatalf("Failed to start: %v", err)
		}
		w, err := conf.NewWatcher(confPath, cfg)
		if err != nil {
			flog.Warnf("config hot reload disabled: %v", err)
		} else {
			a.watch(w)
		}

		<-ctx.Done()
		flog.Infof("Shutdown signal received, closing %d live connections...", a.relay.Live())
		if err := a.close(); err != nil {
			flog.Errorf("shutdown: %v", err)
		}
		flog.Infof("shutdown complete")
		flog.Flush(time.Second)
	},
}

// app is one running relay with everything hanging off it.
type app struct {
	cfg *conf.Conf

	bandwidth *listener.Bandwidth
	throttle  *listener.Throttle
	chaos     *chaos.Connector
	limit     *connector.RateLimit
	relay     *relay.Relay

	// closed after the relay, in order
	closers []io.Closer
	watcher *conf.Watcher
	debug   *debugServer
}

func start(cfg *conf.Conf) (*app, error) {
	initialize(cfg)

	a := &app{cfg: cfg}
	a.bandwidth = listener.NewBandwidth(relay.Sink)
	var inner relay.Listener = a.bandwidth
	if cfg.Delay > 0 {
		inner = listener.NewDelay(inner, cfg.Delay)
	}
	a.throttle = listener.NewThrottle(inner, cfg.Throttle.Upstream, cfg.Throttle.Downstream, cfg.Throttle.Slices)
	a.closers = append(a.closers, a.throttle, a.bandwidth)
	diag.SetTraffic(a.bandwidth)

	chain := func() relay.Listener { return a.throttle }
	var route relay.Connector
	switch cfg.Role {
	case conf.RoleExit:
		route = &connector.Tunnel{Allow: cfg.Exit.Allow, Listener: chain}
	default:
		if len(cfg.Upstream.Targets) == 1 {
			route = &connector.Static{Endpoint: cfg.Upstream.Targets[0], Listener: chain}
		} else {
			route = connector.NewRoundRobin(cfg.Upstream.Targets, chain)
		}
	}
	if cfg.Chaos.Enabled {
		a.chaos = chaos.New(cfg.Chaos.Config(), route, chaos.OnAborted(func(ab chaos.Aborted) {
			flog.Debugf("chaos abort: %s after %d/%d bytes", ab.Reason, ab.Upstream, ab.Downstream)
		}))
		route = a.chaos
	}
	a.limit = connector.NewRateLimit(route, cfg.Limits.Rate, cfg.Limits.Burst)

	dialer, err := a.dialer()
	if err != nil {
		a.closeAll()
		return nil, err
	}
	r, err := relay.New(cfg.Listen, a.limit,
		relay.WithBufferSize(cfg.Relay.BufferSize),
		relay.WithDialer(dialer),
		relay.WithDialTimeout(cfg.Relay.DialTimeout),
	)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.relay = r
	diag.SetPoolStats(r.Pool().Stats)

	if err := a.serve(); err != nil {
		_ = r.Close()
		a.closeAll()
		return nil, err
	}
	a.debug, err = startDebug(cfg.Debug)
	if err != nil {
		flog.Errorf("debug server: %v", err)
	}
	return a, nil
}

func (a *app) dialer() (tnet.Dialer, error) {
	t := a.cfg.Transport
	if a.cfg.Role == conf.RoleExit {
		return &net.Dialer{}, nil
	}
	switch t.Protocol {
	case conf.TransportSOCKS5:
		return &socks.Dialer{
			Server:   t.Server,
			Username: t.SOCKS5.Username,
			Password: t.SOCKS5.Password,
			Timeout:  t.SOCKS5.Timeout,
		}, nil
	case conf.TransportKCP:
		d := kcp.NewDialer(t.Server, t.Conn, t.KCP)
		a.closers = append(a.closers, d)
		return d, nil
	case conf.TransportTCP:
		return &net.Dialer{}, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", t.Protocol)
}

func (a *app) serve() error {
	if a.cfg.Role != conf.RoleExit {
		if err := a.relay.Start(); err != nil {
			return err
		}
		flog.Infof("Relay started on %s -> %v (%s)", a.relay.Addr(), a.cfg.Upstream.Targets, a.cfg.Transport.Protocol)
		return nil
	}
	ln, err := kcp.Listen(a.cfg.Listen, a.cfg.Transport.KCP)
	if err != nil {
		return fmt.Errorf("could not start KCP listener: %w", err)
	}
	if err := a.relay.StartOn(ln); err != nil {
		_ = ln.Close()
		return err
	}
	flog.Infof("Tunnel exit started on %s (allow=%v)", ln.Addr(), a.cfg.Exit.Allow)
	return nil
}

// watch applies the settings that can change while connections are live.
func (a *app) watch(w *conf.Watcher) {
	a.watcher = w
	w.Watch(func(old, next *conf.Conf) {
		flog.SetLevel(next.Log.Level)
		a.throttle.SetBandwidth(next.Throttle.Upstream, next.Throttle.Downstream)
		a.limit.SetLimit(next.Limits.Rate, next.Limits.Burst)
		if a.chaos != nil {
			a.chaos.SetConfig(next.Chaos.Config())
		}
		setDiagConfig(next)
	})
}

func (a *app) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// close stops config reloads, then the relay, which waits for every live
// connection, then the shared listeners and transports.
func (a *app) close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	errs = append(errs, a.relay.Close())
	errs = append(errs, a.closeAll())
	if a.debug != nil {
		errs = append(errs, a.debug.Close())
	}
	return errors.Join(errs...)
}

func initialize(cfg *conf.Conf) {
	flog.SetLevel(cfg.Log.Level)
	diag.Enable(cfg.Debug.Listen != "")
	setDiagConfig(cfg)
}

func setDiagConfig(cfg *conf.Conf) {
	if !diag.Enabled() {
		return
	}
	transport := cfg.Transport.Protocol
	if cfg.Transport.KCP != nil && cfg.Transport.KCP.Key != "" {
		sum := sha256.Sum256([]byte(cfg.Transport.KCP.Key))
		transport += " key=" + hex.EncodeToString(sum[:8])
	}
	pprof := ""
	if cfg.Debug.Pprof {
		pprof = cfg.Debug.Listen
	}
	diag.SetConfig(diag.ConfigInfo{
		Role:         cfg.Role,
		ListenAddr:   cfg.Listen,
		Transport:    transport,
		Targets:      len(cfg.Upstream.Targets),
		BufferSize:   cfg.Relay.BufferSize,
		ThrottleUp:   cfg.Throttle.Upstream,
		ThrottleDown: cfg.Throttle.Downstream,
		Chaos:        cfg.Chaos.Enabled,
		Pprof:        pprof,
	})
}
