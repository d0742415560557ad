package relay

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrRelayStarted = errors.New("relay: already started")
	ErrRelayClosed  = errors.New("relay: closed")
)

// Error is what the relay hands to its error handler.
type Error struct {
	Op     string
	Remote net.Addr
	Err    error
}

func (e *Error) Error() string {
	if e.Remote == nil {
		return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relay %s %s: %v", e.Op, e.Remote, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
