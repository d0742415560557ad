package diag

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsBenignStreamErr reports whether an error is expected during normal shutdown,
// connection teardown, or transient kernel buffer pressure.
func IsBenignStreamErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	// Peers vanishing mid-stream is routine for a relay.
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ENOTCONN) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if IsNoBufferOrNoMem(err) {
		return true
	}
	return false
}

func IsNoBufferOrNoMem(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		strings.Contains(err.Error(), "No buffer space available") ||
		strings.Contains(err.Error(), "Cannot allocate memory")
}
