package buffer

import (
	"errors"
	"testing"
	"unsafe"
)

func TestNewArena_RejectsUnalignedSize(t *testing.T) {
	for _, size := range []int{0, -4096, 100, 4095, 4097, 6000} {
		if _, err := NewArena(size); !errors.Is(err, ErrUnaligned) {
			t.Fatalf("NewArena(%d) err=%v, want ErrUnaligned", size, err)
		}
	}
}

func TestArena_BuffersArePageAligned(t *testing.T) {
	a, err := NewArena(2 * PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	for i := 0; i < arenaBuffers+5; i++ {
		b, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if len(b) != 2*PageSize || cap(b) != 2*PageSize {
			t.Fatalf("buffer #%d len=%d cap=%d", i, len(b), cap(b))
		}
		if p := uintptr(unsafe.Pointer(&b[0])); p%PageSize != 0 {
			t.Fatalf("buffer #%d at %#x is not page aligned", i, p)
		}
		b[0], b[len(b)-1] = 1, 2
	}
	if got := a.Regions(); got != 2 {
		t.Fatalf("Regions()=%d, want 2", got)
	}
}

func TestArena_BuffersDoNotOverlap(t *testing.T) {
	a, err := NewArena(PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	seen := make(map[uintptr]bool)
	for i := 0; i < 3*arenaBuffers; i++ {
		b, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		p := uintptr(unsafe.Pointer(&b[0]))
		if seen[p] {
			t.Fatalf("buffer at %#x handed out twice", p)
		}
		seen[p] = true
	}
}

func TestArena_AllocateAfterClose(t *testing.T) {
	a, err := NewArena(PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Allocate after Close err=%v, want ErrClosed", err)
	}
}
