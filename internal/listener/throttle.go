package listener

import (
	"sync"
	"sync/atomic"
	"time"

	"fastrelay/internal/diag"
	"fastrelay/internal/relay"

	"github.com/benbjohnson/clock"
)

const DefaultSlices = 10

// Throttle holds back chunks once a direction has used up its budget for the
// current slice of a second, and lets them go on a later slice. It is a best
// effort limiter meant for simulating slow links, not an exact token bucket.
type Throttle struct {
	inner  relay.Listener
	slices int
	clock  clock.Clock

	up   bucket
	down bucket

	ticker *clock.Ticker
	stop   chan struct{}
	once   sync.Once
}

type bucket struct {
	bandwidth   atomic.Int64 // bytes per second, 0 means unlimited
	transferred atomic.Int64
	lastTime    atomic.Int64 // unix nanos of the last schedule

	mu      sync.Mutex
	waiting []*relay.Continuation
}

// NewThrottle limits each direction to the given bytes per second, with the
// budget recomputed slices times per second. A bandwidth of 0 disables the
// limit for that direction.
func NewThrottle(inner relay.Listener, upstream, downstream int64, slices int) *Throttle {
	return NewThrottleWithClock(inner, upstream, downstream, slices, clock.New())
}

func NewThrottleWithClock(inner relay.Listener, upstream, downstream int64, slices int, clk clock.Clock) *Throttle {
	t := newThrottle(inner, upstream, downstream, slices, clk)
	go t.run()
	return t
}

func newThrottle(inner relay.Listener, upstream, downstream int64, slices int, clk clock.Clock) *Throttle {
	if inner == nil {
		inner = relay.Sink
	}
	if slices <= 0 {
		slices = DefaultSlices
	}
	t := &Throttle{
		inner:  inner,
		slices: slices,
		clock:  clk,
		ticker: clk.Ticker(time.Second / time.Duration(slices)),
		stop:   make(chan struct{}),
	}
	now := clk.Now().UnixNano()
	t.up.lastTime.Store(now)
	t.down.lastTime.Store(now)
	t.SetBandwidth(upstream, downstream)
	return t
}

// SetBandwidth changes the limits of a running throttle.
func (t *Throttle) SetBandwidth(upstream, downstream int64) {
	t.up.bandwidth.Store(max(upstream, 0))
	t.down.bandwidth.Store(max(downstream, 0))
}

// Bandwidth returns the current limits.
func (t *Throttle) Bandwidth() (upstream, downstream int64) {
	return t.up.bandwidth.Load(), t.down.bandwidth.Load()
}

func (t *Throttle) Connected() { t.inner.Connected() }
func (t *Throttle) Closed()    { t.inner.Closed() }

func (t *Throttle) DataReceived(n int, dir relay.Direction) relay.Result {
	res := t.inner.DataReceived(n, dir)
	if res.Outcome() != relay.Continue {
		return res
	}
	if dir == relay.Upstream {
		return t.up.admit(n, t.slices)
	}
	return t.down.admit(n, t.slices)
}

func (b *bucket) admit(n, slices int) relay.Result {
	bw := b.bandwidth.Load()
	if bw == 0 {
		return relay.ContinueResult
	}
	if b.transferred.Add(int64(n)) <= bw/int64(slices) {
		return relay.ContinueResult
	}

	c := relay.NewContinuation()
	b.mu.Lock()
	b.waiting = append(b.waiting, c)
	b.mu.Unlock()
	diag.IncThrottled()
	return c.Result()
}

func (t *Throttle) run() {
	for {
		select {
		case <-t.ticker.C:
			t.tick()
		case <-t.stop:
			return
		}
	}
}

func (t *Throttle) tick() {
	now := t.clock.Now()
	t.up.schedule(now, t.slices)
	t.down.schedule(now, t.slices)
}

func (b *bucket) schedule(now time.Time, slices int) {
	last := b.lastTime.Swap(now.UnixNano())
	elapsed := time.Duration(now.UnixNano() - last)

	bw := b.bandwidth.Load()
	if bw == 0 {
		b.transferred.Store(0)
		b.release()
		return
	}

	// The ticker drifts, so the budget follows the time that actually passed.
	budget := int64(elapsed.Seconds() * float64(slices) * float64(bw/int64(slices)))

	// Idle time earns credit, but never more than one budget's worth.
	var next int64
	for {
		old := b.transferred.Load()
		next = max(old-budget, -budget)
		if b.transferred.CompareAndSwap(old, next) {
			break
		}
	}
	if next > budget {
		return
	}
	b.release()
}

func (b *bucket) release() {
	b.mu.Lock()
	if len(b.waiting) == 0 {
		b.mu.Unlock()
		return
	}
	waiting := b.waiting
	b.waiting = nil
	b.mu.Unlock()

	for _, c := range waiting {
		c.SetOutcome(relay.Continue)
	}
}

// Waiting reports how many chunks are currently held back.
func (t *Throttle) Waiting() int {
	n := 0
	for _, b := range []*bucket{&t.up, &t.down} {
		b.mu.Lock()
		n += len(b.waiting)
		b.mu.Unlock()
	}
	return n
}

// Close stops the slice timer and lets every held chunk through.
func (t *Throttle) Close() error {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
		t.up.release()
		t.down.release()
	})
	return nil
}
