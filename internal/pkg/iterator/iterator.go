package iterator

import "sync/atomic"

// Iterator hands out Items in rotation. It is safe for concurrent use as long
// as Items is not modified after the first call to Next.
type Iterator[T any] struct {
	Items []T
	index atomic.Uint64
}

func New[T any](items ...T) *Iterator[T] {
	return &Iterator[T]{Items: items}
}

func (it *Iterator[T]) Len() int { return len(it.Items) }

// Next returns the following item, starting from the first one.
func (it *Iterator[T]) Next() (T, bool) {
	n := uint64(len(it.Items))
	if n == 0 {
		var zero T
		return zero, false
	}
	i := it.index.Add(1) - 1
	if n&(n-1) == 0 {
		return it.Items[i&(n-1)], true
	}
	return it.Items[i%n], true
}
