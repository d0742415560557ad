package sockop

import (
	"math/rand/v2"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_RejectsUnalignedSize(t *testing.T) {
	_, err := NewPool(1000)
	require.Error(t, err)
}

func TestPool_TakeGiveReuses(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)

	a, err := p.Take()
	require.NoError(t, err)
	assert.Equal(t, 4096, a.Size())
	assert.Len(t, a.Buffer(), 8192)

	p.Give(a)
	b, err := p.Take()
	require.NoError(t, err)
	assert.Same(t, a, b)

	created, free := p.Stats()
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, free)

	p.Give(b)
	require.NoError(t, p.Close())

	_, err = p.Take()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_GiveResetsWindows(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)
	defer p.Close()

	pair, err := p.Take()
	require.NoError(t, err)
	pair.rx.SetWindow(4096, 4096)
	pair.tx.SetWindow(0, 12)
	p.Give(pair)

	assert.Len(t, pair.rx.Window(), 8192)
	assert.Len(t, pair.tx.Window(), 8192)
	assert.Nil(t, pair.rx.conn)
	assert.Nil(t, pair.tx.done)
}

func TestPool_CloseWithOutstandingPairs(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)

	pair, err := p.Take()
	require.NoError(t, err)
	require.Error(t, p.Close())
	p.Give(pair)
}

func TestPool_ChurnNeverSharesMemory(t *testing.T) {
	p, err := NewPool(4096)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		live = make(map[uintptr]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		seed := uint64(w)
		wg.Go(func() {
			rng := rand.New(rand.NewPCG(seed, 42))
			var held []*Pair
			for i := 0; i < 500; i++ {
				if len(held) > 0 && rng.IntN(2) == 0 {
					j := rng.IntN(len(held))
					pair := held[j]
					held = append(held[:j], held[j+1:]...)

					mu.Lock()
					delete(live, uintptr(unsafe.Pointer(&pair.Buffer()[0])))
					mu.Unlock()
					p.Give(pair)
					continue
				}
				pair, err := p.Take()
				if !assert.NoError(t, err) {
					return
				}
				key := uintptr(unsafe.Pointer(&pair.Buffer()[0]))
				mu.Lock()
				if live[key] {
					mu.Unlock()
					t.Errorf("pair memory %#x handed out twice", key)
					return
				}
				live[key] = true
				mu.Unlock()
				held = append(held, pair)
			}
			for _, pair := range held {
				mu.Lock()
				delete(live, uintptr(unsafe.Pointer(&pair.Buffer()[0])))
				mu.Unlock()
				p.Give(pair)
			}
		})
	}
	wg.Wait()

	created, free := p.Stats()
	assert.Equal(t, created, free, "every pair must be back in the pool")
	require.NoError(t, p.Close())
}
