package listener

import (
	"testing"
	"time"

	"fastrelay/internal/relay"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixed struct {
	res       relay.Result
	connected int
	closed    int
}

func (f *fixed) Connected()                                     { f.connected++ }
func (f *fixed) Closed()                                        { f.closed++ }
func (f *fixed) DataReceived(int, relay.Direction) relay.Result { return f.res }

func TestCounter_TotalsPerDirection(t *testing.T) {
	inner := &fixed{}
	c := NewCounter(inner)
	c.Connected()
	assert.Equal(t, relay.Continue, c.DataReceived(100, relay.Upstream).Outcome())
	c.DataReceived(50, relay.Upstream)
	c.DataReceived(7, relay.Downstream)
	c.Closed()

	assert.Equal(t, int64(150), c.Upstream())
	assert.Equal(t, int64(7), c.Downstream())
	assert.Equal(t, 1, inner.connected)
	assert.Equal(t, 1, inner.closed)
}

func TestCounter_PassesInnerOutcome(t *testing.T) {
	c := NewCounter(&fixed{res: relay.CloseClientResult})
	assert.Equal(t, relay.CloseClient, c.DataReceived(1, relay.Upstream).Outcome())
}

func TestBandwidth_RollingAverage(t *testing.T) {
	mock := clock.NewMock()
	b := newBandwidth(nil, mock)
	defer b.Close()

	b.DataReceived(1000, relay.Upstream)
	mock.Add(time.Second)
	b.tick()
	assert.Equal(t, int64(1000), b.AverageUpstream())
	assert.Equal(t, int64(0), b.AverageDownstream())

	b.DataReceived(3000, relay.Upstream)
	b.DataReceived(500, relay.Downstream)
	mock.Add(time.Second)
	b.tick()
	assert.Equal(t, int64(2000), b.AverageUpstream())
	assert.Equal(t, int64(250), b.AverageDownstream())

	// Only the last five samples count.
	for i := 0; i < 5; i++ {
		b.DataReceived(600, relay.Upstream)
		mock.Add(time.Second)
		b.tick()
	}
	assert.Equal(t, int64(600), b.AverageUpstream())

	// A late tick is scaled by the real elapsed time.
	b.DataReceived(1200, relay.Upstream)
	mock.Add(2 * time.Second)
	b.tick()
	assert.Equal(t, int64(600), b.AverageUpstream())
	assert.Equal(t, int64(1000+3000+600*6+1200), b.Upstream())
}

func TestThrottle_UnderBudgetContinues(t *testing.T) {
	th := newThrottle(nil, 10_000, 10_000, 10, clock.NewMock())
	defer th.Close()

	assert.Equal(t, relay.Continue, th.DataReceived(600, relay.Upstream).Outcome())
	assert.Equal(t, relay.Continue, th.DataReceived(400, relay.Upstream).Outcome())
	assert.Equal(t, relay.Continue, th.DataReceived(1000, relay.Downstream).Outcome())
	assert.Equal(t, 0, th.Waiting())
}

func TestThrottle_OverBudgetWaitsForNextSlice(t *testing.T) {
	mock := clock.NewMock()
	th := newThrottle(nil, 10_000, 10_000, 10, mock)
	defer th.Close()

	require.Equal(t, relay.Continue, th.DataReceived(1000, relay.Upstream).Outcome())
	res := th.DataReceived(500, relay.Upstream)
	require.Equal(t, relay.Pending, res.Outcome())
	assert.Equal(t, 1, th.Waiting())

	var got []relay.Outcome
	res.OnComplete(func(o relay.Outcome) { got = append(got, o) })
	assert.Empty(t, got)

	// Downstream has its own budget.
	assert.Equal(t, relay.Continue, th.DataReceived(1000, relay.Downstream).Outcome())

	mock.Add(100 * time.Millisecond)
	th.tick()
	assert.Equal(t, []relay.Outcome{relay.Continue}, got)
	assert.Equal(t, 0, th.Waiting())
}

func TestThrottle_StaysHeldWhileFarOverBudget(t *testing.T) {
	mock := clock.NewMock()
	th := newThrottle(nil, 10_000, 10_000, 10, mock)
	defer th.Close()

	res := th.DataReceived(3500, relay.Upstream)
	require.Equal(t, relay.Pending, res.Outcome())

	mock.Add(100 * time.Millisecond)
	th.tick() // 3500-1000 = 2500 > 1000
	assert.Equal(t, 1, th.Waiting())
	mock.Add(100 * time.Millisecond)
	th.tick() // 1500 > 1000
	assert.Equal(t, 1, th.Waiting())
	mock.Add(100 * time.Millisecond)
	th.tick() // 500
	assert.Equal(t, 0, th.Waiting())
}

func TestThrottle_IdleCreditIsClamped(t *testing.T) {
	mock := clock.NewMock()
	th := newThrottle(nil, 10_000, 0, 10, mock)
	defer th.Close()

	for i := 0; i < 50; i++ {
		mock.Add(100 * time.Millisecond)
		th.tick()
	}
	// At most one slice of credit: -1000 + 1000 budget allows 2000 before holding.
	assert.Equal(t, relay.Continue, th.DataReceived(2000, relay.Upstream).Outcome())
	assert.Equal(t, relay.Pending, th.DataReceived(1, relay.Upstream).Outcome())
}

func TestThrottle_SetBandwidthAndClose(t *testing.T) {
	mock := clock.NewMock()
	th := newThrottle(nil, 1000, 1000, 10, mock)

	res := th.DataReceived(5000, relay.Downstream)
	require.Equal(t, relay.Pending, res.Outcome())

	th.SetBandwidth(0, 0)
	up, down := th.Bandwidth()
	assert.Zero(t, up)
	assert.Zero(t, down)
	assert.Equal(t, relay.Continue, th.DataReceived(1<<20, relay.Downstream).Outcome())

	released := false
	res.OnComplete(func(relay.Outcome) { released = true })
	require.NoError(t, th.Close())
	assert.True(t, released)
	require.NoError(t, th.Close())
}

func TestThrottle_InnerVerdictWins(t *testing.T) {
	th := newThrottle(&fixed{res: relay.CloseClientResult}, 1, 1, 10, clock.NewMock())
	defer th.Close()
	assert.Equal(t, relay.CloseClient, th.DataReceived(100, relay.Upstream).Outcome())
	assert.Equal(t, 0, th.Waiting())
}

// A sender that pushes one chunk per millisecond whenever it is not held must
// never see more than B + B/S (+ one chunk of granularity) delivered in any
// one-second window.
func TestThrottle_BoundOverSustainedTransfer(t *testing.T) {
	const (
		bandwidth = 100 * 1024
		slices    = 10
		chunk     = 4096
	)
	mock := clock.NewMock()
	th := newThrottle(nil, bandwidth, bandwidth, slices, mock)
	defer th.Close()

	start := mock.Now()
	var deliveries []time.Duration
	held := false
	for ms := 0; ms < 10_000; ms++ {
		if ms > 0 && ms%(1000/slices) == 0 {
			th.tick()
		}
		if !held {
			res := th.DataReceived(chunk, relay.Upstream)
			if res.Outcome() == relay.Continue {
				deliveries = append(deliveries, mock.Now().Sub(start))
			} else {
				held = true
				res.OnComplete(func(relay.Outcome) {
					deliveries = append(deliveries, mock.Now().Sub(start))
					held = false
				})
			}
		}
		mock.Add(time.Millisecond)
	}

	worst := 0
	for from := time.Duration(0); from < 9*time.Second; from += time.Millisecond {
		sum := 0
		for _, at := range deliveries {
			if at >= from && at < from+time.Second {
				sum += chunk
			}
		}
		worst = max(worst, sum)
	}
	assert.LessOrEqual(t, worst, bandwidth+bandwidth/slices+chunk)
	assert.Greater(t, len(deliveries)*chunk, 8*bandwidth, "throttle should still let roughly B through per second")
}

func TestDelay_DefersEachChunk(t *testing.T) {
	mock := clock.NewMock()
	d := NewDelayWithClock(nil, 50*time.Millisecond, mock)

	res := d.DataReceived(10, relay.Upstream)
	require.Equal(t, relay.Pending, res.Outcome())

	done := make(chan relay.Outcome, 1)
	res.OnComplete(func(o relay.Outcome) { done <- o })
	mock.Add(50 * time.Millisecond)

	select {
	case o := <-done:
		assert.Equal(t, relay.Continue, o)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed chunk was never released")
	}
}

func TestDelay_ZeroOrCloseIsImmediate(t *testing.T) {
	assert.Equal(t, relay.Continue, NewDelay(nil, 0).DataReceived(1, relay.Upstream).Outcome())
	d := NewDelayWithClock(&fixed{res: relay.CloseClientResult}, time.Second, clock.NewMock())
	assert.Equal(t, relay.CloseClient, d.DataReceived(1, relay.Upstream).Outcome())
}
