//go:build !unix

package buffer

import "unsafe"

func alloc(n int) ([]byte, error) {
	raw := make([]byte, n+PageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % PageSize); rem != 0 {
		off = PageSize - rem
	}
	return raw[off : off+n : off+n], nil
}

func free([]byte) error { return nil }
