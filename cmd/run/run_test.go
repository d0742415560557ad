package run

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fastrelay/internal/conf"
	"fastrelay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayConf(t *testing.T, target, extra string) (*conf.Conf, string) {
	t.Helper()
	body := fmt.Sprintf("listen: 127.0.0.1:0\nupstream: {targets: [%s]}\n%s", target, extra)
	path := filepath.Join(t.TempDir(), "fastrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := conf.LoadFromFile(path)
	require.NoError(t, err)
	return cfg, path
}

func TestStartRelaysAndServesStatus(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	cfg, _ := relayConf(t, echo.Addr(), "debug: {listen: 127.0.0.1:0}\n")

	a, err := start(cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.close()) }()

	c, err := net.Dial("tcp", a.relay.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	msg := []byte("Hello world!")
	_, err = c.Write(msg)
	require.NoError(t, err)
	got := make([]byte, len(msg))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	require.NotNil(t, a.debug)
	resp, err := http.Get("http://" + a.debug.Addr().String() + "/debug/fastrelay/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + a.debug.Addr().String() + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchAppliesLiveSettings(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	cfg, path := relayConf(t, echo.Addr(), "")

	a, err := start(cfg)
	require.NoError(t, err)
	w, err := conf.NewWatcher(path, cfg)
	require.NoError(t, err)
	a.watch(w)
	defer func() { assert.NoError(t, a.close()) }()

	up, down := a.throttle.Bandwidth()
	assert.Zero(t, up)
	assert.Zero(t, down)

	body := fmt.Sprintf("listen: 127.0.0.1:0\nupstream: {targets: [%s]}\nthrottle: {upstream: 1M, downstream: 512K}\n", echo.Addr())
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	for {
		err := w.Reload()
		if !errors.Is(err, conf.ErrReloadInProgress) {
			require.NoError(t, err)
			break
		}
		time.Sleep(time.Millisecond)
	}

	up, down = a.throttle.Bandwidth()
	assert.Equal(t, int64(1<<20), up)
	assert.Equal(t, int64(512<<10), down)
}

func TestStartFailsWhenListenIsTaken(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg, _ := relayConf(t, "127.0.0.1:1", "")
	cfg.Listen = busy.Addr().String()

	_, err = start(cfg)
	assert.Error(t, err)
}
