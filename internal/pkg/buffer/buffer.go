package buffer

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the alignment every buffer handed out by an Arena starts on.
const PageSize = 4096

// arenaBuffers is how many buffers a single mapped region holds.
const arenaBuffers = 100

var (
	ErrUnaligned = errors.New("buffer: size must be a positive multiple of the page size")
	ErrClosed    = errors.New("buffer: arena closed")
)

// Arena hands out fixed-size, page-aligned buffers carved from large regions.
// Buffers are never returned to the arena individually; callers pool them and
// release everything at once with Close.
type Arena struct {
	size int

	mu      sync.Mutex
	regions [][]byte
	cur     []byte
	off     int
	closed  bool
}

func NewArena(size int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnaligned, size)
	}
	return &Arena{size: size}, nil
}

// Size is the length of every buffer returned by Allocate.
func (a *Arena) Size() int { return a.size }

func (a *Arena) Allocate() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if a.cur == nil || a.off+a.size > len(a.cur) {
		region, err := alloc(a.size * arenaBuffers)
		if err != nil {
			return nil, fmt.Errorf("buffer: allocate region of %d bytes: %w", a.size*arenaBuffers, err)
		}
		a.regions = append(a.regions, region)
		a.cur = region
		a.off = 0
	}

	b := a.cur[a.off : a.off+a.size : a.off+a.size]
	a.off += a.size
	return b, nil
}

// Regions reports how many regions have been mapped so far.
func (a *Arena) Regions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Close releases every region. Buffers obtained from the arena must not be
// used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for _, r := range a.regions {
		if err := free(r); err != nil {
			errs = append(errs, err)
		}
	}
	a.regions = nil
	a.cur = nil
	return errors.Join(errs...)
}
