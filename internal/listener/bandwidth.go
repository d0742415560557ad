package listener

import (
	"sync"
	"sync/atomic"
	"time"

	"fastrelay/internal/relay"

	"github.com/benbjohnson/clock"
)

const (
	bandwidthInterval = time.Second
	bandwidthSamples  = 5
)

// Bandwidth is a Counter that also keeps a rolling bytes-per-second average
// over the last few one-second samples.
type Bandwidth struct {
	*Counter

	clock  clock.Clock
	ticker *clock.Ticker
	stop   chan struct{}
	once   sync.Once

	// touched only by tick
	lastTime time.Time
	lastUp   int64
	lastDown int64
	up       window
	down     window

	averageUp   atomic.Int64
	averageDown atomic.Int64
}

type window struct {
	samples [bandwidthSamples]int64
	next    int
	filled  int
}

func (w *window) add(v int64) int64 {
	w.samples[w.next] = v
	w.next = (w.next + 1) % bandwidthSamples
	if w.filled < bandwidthSamples {
		w.filled++
	}
	var sum int64
	for i := 0; i < w.filled; i++ {
		sum += w.samples[i]
	}
	return sum / int64(w.filled)
}

func NewBandwidth(inner relay.Listener) *Bandwidth {
	return NewBandwidthWithClock(inner, clock.New())
}

func NewBandwidthWithClock(inner relay.Listener, clk clock.Clock) *Bandwidth {
	b := newBandwidth(inner, clk)
	go b.run()
	return b
}

func newBandwidth(inner relay.Listener, clk clock.Clock) *Bandwidth {
	return &Bandwidth{
		Counter:  NewCounter(inner),
		clock:    clk,
		ticker:   clk.Ticker(bandwidthInterval),
		stop:     make(chan struct{}),
		lastTime: clk.Now(),
	}
}

func (b *Bandwidth) run() {
	for {
		select {
		case <-b.ticker.C:
			b.tick()
		case <-b.stop:
			return
		}
	}
}

func (b *Bandwidth) tick() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastTime).Seconds()
	b.lastTime = now
	if elapsed <= 0 {
		return
	}

	up, down := b.Upstream(), b.Downstream()
	b.averageUp.Store(b.up.add(int64(float64(up-b.lastUp) / elapsed)))
	b.averageDown.Store(b.down.add(int64(float64(down-b.lastDown) / elapsed)))
	b.lastUp, b.lastDown = up, down
}

// AverageUpstream is the mean upstream bytes per second over the last samples.
func (b *Bandwidth) AverageUpstream() int64 { return b.averageUp.Load() }

func (b *Bandwidth) AverageDownstream() int64 { return b.averageDown.Load() }

func (b *Bandwidth) Close() error {
	b.once.Do(func() {
		b.ticker.Stop()
		close(b.stop)
	})
	return nil
}
