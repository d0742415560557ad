package run

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"fastrelay/internal/conf"
	"fastrelay/internal/diag"
	"fastrelay/internal/flog"
)

type debugServer struct {
	srv *http.Server
	ln  net.Listener
}

// startDebug serves the status endpoints, /metrics and optionally pprof on
// cfg.Listen. It returns nil when no listen address is configured.
func startDebug(cfg conf.Debug) (*debugServer, error) {
	if cfg.Listen == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	diag.RegisterHTTP(mux)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	d := &debugServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			flog.Errorf("debug server failed: %v", err)
		}
	}()
	if cfg.Pprof {
		flog.Infof("debug endpoints and pprof on http://%s/ (bind carefully)", ln.Addr())
	} else {
		flog.Infof("debug endpoints on http://%s/debug/fastrelay/", ln.Addr())
	}
	return d, nil
}

func (d *debugServer) Addr() net.Addr { return d.ln.Addr() }

func (d *debugServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.srv.Shutdown(ctx)
}
