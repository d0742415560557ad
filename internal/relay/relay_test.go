package relay

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fastrelay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunk struct {
	n   int
	dir Direction
}

type recorder struct {
	connected atomic.Int32
	closed    atomic.Int32

	mu     sync.Mutex
	chunks []chunk

	onData func(n int, dir Direction) Result
}

func (r *recorder) Connected() { r.connected.Add(1) }
func (r *recorder) Closed()    { r.closed.Add(1) }

func (r *recorder) DataReceived(n int, dir Direction) Result {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk{n, dir})
	r.mu.Unlock()
	if r.onData != nil {
		return r.onData(n, dir)
	}
	return ContinueResult
}

func (r *recorder) total(dir Direction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, c := range r.chunks {
		if c.dir == dir {
			sum += c.n
		}
	}
	return sum
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) find(op string) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range s.errs {
		var re *Error
		if errors.As(err, &re) && re.Op == op {
			return re
		}
	}
	return nil
}

func static(endpoint string, l Listener) Connector {
	return ConnectorFunc(func(net.Conn) (Route, bool) {
		return Route{Endpoint: endpoint, Listener: l}, true
	})
}

func startRelay(t *testing.T, c Connector, opts ...Option) *Relay {
	t.Helper()
	r, err := New("127.0.0.1:0", c, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func dial(t *testing.T, r *Relay) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*net.TCPConn)
}

// roundTrip writes payload in random fragments, half-closes, and returns
// everything read back until EOF.
func roundTrip(conn *net.TCPConn, payload []byte, rng *rand.Rand) ([]byte, error) {
	writeErr := make(chan error, 1)
	go func() {
		rest := payload
		for len(rest) > 0 {
			n := 1 + rng.IntN(min(len(rest), 10000))
			if _, err := conn.Write(rest[:n]); err != nil {
				writeErr <- err
				return
			}
			rest = rest[n:]
		}
		writeErr <- conn.CloseWrite()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	got, err := io.ReadAll(conn)
	if werr := <-writeErr; err == nil {
		err = werr
	}
	return got, err
}

func TestRelay_HelloWorldThroughEcho(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	rec := &recorder{}
	r := startRelay(t, static(echo.Addr(), rec))

	conn := dial(t, r)
	_, err := conn.Write([]byte("Hello world!"))
	require.NoError(t, err)

	buf := make([]byte, 12)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", string(buf))

	require.NoError(t, conn.CloseWrite())
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)

	require.Eventually(t, func() bool { return rec.closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), rec.connected.Load())

	rec.mu.Lock()
	first := rec.chunks[0]
	rec.mu.Unlock()
	assert.Equal(t, chunk{12, Upstream}, first)
	assert.Equal(t, 12, rec.total(Upstream))
	assert.Equal(t, 12, rec.total(Downstream))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), rec.closed.Load())
	assert.Equal(t, 0, r.Live())
}

func TestRelay_ByteExactForRandomPayloads(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	r := startRelay(t, static(echo.Addr(), nil), WithBufferSize(8192))

	sizes := []int{1, 12, 4095, 4096, 8191, 8192, 8193, 65536, 1<<20 + 123}
	var wg sync.WaitGroup
	for i, size := range sizes {
		wg.Go(func() {
			rng := rand.New(rand.NewPCG(uint64(i), uint64(size)))
			payload := make([]byte, size)
			for j := range payload {
				payload[j] = byte(rng.Uint32())
			}
			conn := dial(t, r)
			got, err := roundTrip(conn, payload, rng)
			if assert.NoError(t, err, "size %d", size) {
				assert.True(t, bytes.Equal(payload, got), "size %d: got %d bytes", size, len(got))
			}
		})
	}
	wg.Wait()
}

func TestRelay_DeferredOutcomesKeepOrder(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	var seq atomic.Uint64
	rec := &recorder{onData: func(n int, dir Direction) Result {
		switch seq.Add(1) % 3 {
		case 0:
			return ContinueResult
		case 1:
			c := NewContinuation()
			c.SetOutcome(Continue)
			return c.Result()
		default:
			c := NewContinuation()
			go func() {
				time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
				c.SetOutcome(Continue)
			}()
			return c.Result()
		}
	}}
	r := startRelay(t, static(echo.Addr(), rec))

	rng := rand.New(rand.NewPCG(7, 7))
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	got, err := roundTrip(dial(t, r), payload, rng)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	require.Eventually(t, func() bool { return rec.closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_CloseClientAbortsConnection(t *testing.T) {
	for _, deferred := range []bool{false, true} {
		echo := testutil.NewEchoServer(t)
		rec := &recorder{onData: func(int, Direction) Result {
			if !deferred {
				return CloseClientResult
			}
			c := NewContinuation()
			time.AfterFunc(10*time.Millisecond, func() { c.SetOutcome(CloseClient) })
			return c.Result()
		}}
		errs := &errorSink{}
		r := startRelay(t, static(echo.Addr(), rec), WithErrorHandler(errs.handle))

		conn := dial(t, r)
		_, err := conn.Write([]byte("bye"))
		require.NoError(t, err)

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		assert.Equal(t, 0, n)
		assert.Error(t, err)

		require.Eventually(t, func() bool { return rec.closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), rec.connected.Load())
		assert.Equal(t, 0, rec.total(Downstream))
		assert.Nil(t, errs.find("receive"), "errors after abort must be swallowed")
	}
}

func TestRelay_RejectClosesClient(t *testing.T) {
	r := startRelay(t, ConnectorFunc(func(net.Conn) (Route, bool) { return Route{}, false }))

	conn := dial(t, r)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Live())
}

func TestRelay_ConnectFailureSurfacesError(t *testing.T) {
	rec := &recorder{}
	errs := &errorSink{}
	r := startRelay(t, static(testutil.ClosedAddr(t), rec), WithErrorHandler(errs.handle))

	conn := dial(t, r)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	require.Eventually(t, func() bool { return rec.closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), rec.connected.Load())
	re := errs.find("connect")
	require.NotNil(t, re)
	assert.NotNil(t, re.Remote)
}

func TestRelay_ListenerPanicClosesConnection(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	rec := &recorder{onData: func(int, Direction) Result { panic("boom") }}
	errs := &errorSink{}
	r := startRelay(t, static(echo.Addr(), rec), WithErrorHandler(errs.handle))

	conn := dial(t, r)
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	re := errs.find("listener")
	require.NotNil(t, re)
	assert.Contains(t, re.Error(), "boom")
}

func TestRelay_CloseAbortsLiveConnections(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	rec := &recorder{}
	r, err := New("127.0.0.1:0", static(echo.Addr(), rec))
	require.NoError(t, err)
	require.NoError(t, r.Start())

	var conns []*net.TCPConn
	for i := 0; i < 5; i++ {
		conn := dial(t, r)
		_, err := conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	require.Equal(t, 5, r.Live())

	require.NoError(t, r.Close())
	assert.Equal(t, int32(5), rec.closed.Load())
	assert.Equal(t, 0, r.Live())

	for _, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
	}
	assert.ErrorIs(t, r.Close(), ErrRelayClosed)
}

func TestRelay_MisuseReturnsErrors(t *testing.T) {
	_, err := New("127.0.0.1:0", static("127.0.0.1:1", nil), WithBufferSize(1000))
	require.Error(t, err)
	_, err = New("127.0.0.1:0", nil)
	require.Error(t, err)

	r, err := New("127.0.0.1:0", static("127.0.0.1:1", nil))
	require.NoError(t, err)
	assert.Nil(t, r.Addr())
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrRelayStarted)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Start(), ErrRelayClosed)
}

type onceListener struct {
	connected atomic.Int32
	closed    atomic.Int32
	chunks    atomic.Int32
	closeAt   int32
	deferred  bool
}

func (l *onceListener) Connected() { l.connected.Add(1) }
func (l *onceListener) Closed()    { l.closed.Add(1) }

func (l *onceListener) DataReceived(int, Direction) Result {
	n := l.chunks.Add(1)
	out := Continue
	if l.closeAt > 0 && n >= l.closeAt {
		out = CloseClient
	}
	if !l.deferred {
		return Immediate(out)
	}
	c := NewContinuation()
	go c.SetOutcome(out)
	return c.Result()
}

func TestRelay_EveryConnectionClosesExactlyOnce(t *testing.T) {
	echo := testutil.NewEchoServer(t)

	var mu sync.Mutex
	var listeners []*onceListener
	rng := rand.New(rand.NewPCG(1, 2))
	connector := ConnectorFunc(func(net.Conn) (Route, bool) {
		mu.Lock()
		defer mu.Unlock()
		l := &onceListener{deferred: rng.IntN(2) == 0}
		if rng.IntN(3) == 0 {
			l.closeAt = int32(1 + rng.IntN(8))
		}
		listeners = append(listeners, l)
		return Route{Endpoint: echo.Addr(), Listener: l}, true
	})
	r := startRelay(t, connector, WithErrorHandler(func(error) {}))

	const clients = 40
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Go(func() {
			conn, err := net.Dial("tcp", r.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			crng := rand.New(rand.NewPCG(uint64(i), 99))
			payload := make([]byte, 32*1024+crng.IntN(32*1024))
			_, _ = roundTrip(conn.(*net.TCPConn), payload, crng)
		})
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.Live() == 0 }, 10*time.Second, 20*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, listeners, clients)
	for i, l := range listeners {
		assert.Equal(t, int32(1), l.closed.Load(), "listener %d", i)
		assert.LessOrEqual(t, l.connected.Load(), int32(1), "listener %d", i)
	}

	created, free := r.Pool().Stats()
	assert.Equal(t, created, free)
}
