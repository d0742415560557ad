package sockop

import (
	"errors"
	"fmt"
	"sync"

	"fastrelay/internal/pkg/buffer"
)

var ErrPoolClosed = errors.New("sockop: pool closed")

// Pool recycles operation pairs across connections. Pairs are expensive to
// build (two worker goroutines and a slice of mapped memory) but cheap to
// reuse, so they live for as long as the pool does.
type Pool struct {
	arena *buffer.Arena

	mu      sync.Mutex
	free    []*Pair
	closed  bool
	created int
}

// NewPool creates a pool whose pairs carry two halves of size bytes each.
func NewPool(size int) (*Pool, error) {
	arena, err := buffer.NewArena(size * 2)
	if err != nil {
		return nil, fmt.Errorf("sockop: %w", err)
	}
	return &Pool{arena: arena}, nil
}

// Size is the per-direction I/O size of every pair.
func (p *Pool) Size() int { return p.arena.Size() / 2 }

func (p *Pool) Take() (*Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		pair := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return pair, nil
	}

	mem, err := p.arena.Allocate()
	if err != nil {
		return nil, err
	}
	pair := newPair(mem)
	p.created++
	return pair, nil
}

// Give returns a pair. Both ops get their window reset to the whole buffer and
// lose their socket bindings.
func (p *Pool) Give(pair *Pair) {
	if pair == nil {
		return
	}
	pair.reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		pair.stop()
		return
	}
	p.free = append(p.free, pair)
}

// Stats returns how many pairs were ever built and how many are idle.
func (p *Pool) Stats() (created, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, len(p.free)
}

// Close stops the workers of every idle pair and releases the memory. Pairs
// still checked out keep the memory mapped and are stopped when given back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	outstanding := p.created - len(p.free)
	for _, pair := range p.free {
		pair.stop()
	}
	p.free = nil
	p.mu.Unlock()

	if outstanding != 0 {
		return fmt.Errorf("sockop: pool closed with %d pairs still checked out", outstanding)
	}
	return p.arena.Close()
}
