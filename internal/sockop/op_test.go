package sockop

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	n   int
	err error
}

func TestPair_ReceiveThenSendHalves(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)
	defer p.Close()

	srcLocal, srcPeer := net.Pipe()
	dstLocal, dstPeer := net.Pipe()
	defer srcPeer.Close()
	defer dstPeer.Close()

	pair, err := p.Take()
	require.NoError(t, err)
	defer p.Give(pair)

	recvs := make(chan result, 1)
	sends := make(chan result, 1)
	pair.Bind(srcLocal, dstLocal,
		func(n int, err error) { recvs <- result{n, err} },
		func(n int, err error) { sends <- result{n, err} },
	)

	pair.Receive(1)
	go srcPeer.Write([]byte("Hello world!"))

	r := <-recvs
	require.NoError(t, r.err)
	require.Equal(t, 12, r.n)
	assert.Equal(t, "Hello world!", string(pair.Half(1)[:12]))

	got := make(chan []byte, 1)
	go func() {
		b := make([]byte, 12)
		_, _ = io.ReadFull(dstPeer, b)
		got <- b
	}()
	pair.Send(1, r.n)

	s := <-sends
	require.NoError(t, s.err)
	assert.Equal(t, 12, s.n)
	assert.Equal(t, "Hello world!", string(<-got))
}

func TestOp_ReceiveReportsEOF(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)
	defer p.Close()

	local, peer := net.Pipe()
	pair, err := p.Take()
	require.NoError(t, err)
	defer p.Give(pair)

	recvs := make(chan result, 1)
	pair.Bind(local, local, func(n int, err error) { recvs <- result{n, err} }, func(int, error) {})
	pair.Receive(0)
	require.NoError(t, peer.Close())

	select {
	case r := <-recvs:
		assert.Equal(t, 0, r.n)
		assert.ErrorIs(t, r.err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not complete")
	}
}

func TestOp_ResubmitFromCompletion(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)
	defer p.Close()

	local, peer := net.Pipe()
	defer peer.Close()
	pair, err := p.Take()
	require.NoError(t, err)
	defer p.Give(pair)

	total := 0
	done := make(chan struct{})
	pair.Bind(local, local, func(n int, err error) {
		if err != nil {
			close(done)
			return
		}
		total += n
		if total == 3 {
			close(done)
			return
		}
		pair.Receive(total % 2)
	}, func(int, error) {})
	pair.Receive(0)

	for _, b := range []string{"a", "b", "c"} {
		_, err := peer.Write([]byte(b))
		require.NoError(t, err)
	}
	select {
	case <-done:
		assert.Equal(t, 3, total)
	case <-time.After(2 * time.Second):
		t.Fatal("resubmitted receives did not complete")
	}
}
