package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"fastrelay/internal/sockop"
)

const (
	stateSending uint32 = 1 << iota
	stateReceiving
	stateDataPending
	stateReceiveEOF
	stateClosing
	stateDone
)

const stateBusy = stateSending | stateReceiving

// channel relays one direction of a connection: receive from source, ask the
// listener, send to target, receive again. Receive and send completions run on
// different goroutines, so every decision goes through a CAS on state.
//
// The pair is only touched after a CAS that set Sending or Receiving on a
// state without Closing; once Done is set the pair may already be back in the
// pool.
type channel struct {
	dir    Direction
	conn   *Connection
	source net.Conn
	target net.Conn
	pair   *sockop.Pair

	state atomic.Uint32

	// half is the half last received into; received is the byte count in it
	// waiting for delivery. Both are handed between goroutines through state.
	half     int
	received int

	resume func(Outcome)
}

func newChannel(dir Direction, conn *Connection, source, target net.Conn, pair *sockop.Pair) *channel {
	ch := &channel{
		dir:    dir,
		conn:   conn,
		source: source,
		target: target,
		pair:   pair,
		half:   1,
	}
	ch.resume = ch.onOutcome
	pair.Bind(source, target, ch.onReceive, ch.onSend)
	return ch
}

func (ch *channel) start() { ch.startReceive() }

func (ch *channel) startReceive() {
	for {
		s := ch.state.Load()
		if s&stateDone != 0 {
			return
		}
		if s&stateClosing != 0 {
			if s&stateBusy != 0 {
				return
			}
			if ch.state.CompareAndSwap(s, s|stateDone) {
				ch.conn.channelDone(ch.dir)
				return
			}
			continue
		}
		if ch.state.CompareAndSwap(s, s|stateReceiving) {
			break
		}
	}
	ch.half ^= 1
	ch.pair.Receive(ch.half)
}

func (ch *channel) onReceive(n int, err error) {
	if err != nil {
		if errors.Is(err, io.EOF) {
			ch.receiveEOF()
			return
		}
		ch.conn.fail(&Error{Op: "receive", Remote: ch.source.RemoteAddr(), Err: err})
		ch.finish(stateReceiving)
		return
	}

	ch.received = n
	for {
		s := ch.state.Load()
		ns := s &^ stateReceiving
		switch {
		case s&stateClosing != 0:
			if ns&stateBusy == 0 {
				ns |= stateDone
			}
			if ch.state.CompareAndSwap(s, ns) {
				if ns&stateDone != 0 {
					ch.conn.channelDone(ch.dir)
				}
				return
			}
		case s&stateSending != 0:
			if ch.state.CompareAndSwap(s, ns|stateDataPending) {
				return
			}
		default:
			if ch.state.CompareAndSwap(s, ns) {
				ch.deliver(n)
				return
			}
		}
	}
}

func (ch *channel) receiveEOF() {
	for {
		s := ch.state.Load()
		ns := (s &^ stateReceiving) | stateReceiveEOF
		if ns&stateSending == 0 {
			ns |= stateDone
		}
		if !ch.state.CompareAndSwap(s, ns) {
			continue
		}
		if ns&stateDone != 0 {
			if s&stateClosing == 0 {
				ch.conn.halfClose(ch.target)
			}
			ch.conn.channelDone(ch.dir)
		}
		return
	}
}

func (ch *channel) startSend(n int) bool {
	for {
		s := ch.state.Load()
		if s&(stateClosing|stateDone) != 0 {
			return false
		}
		if ch.state.CompareAndSwap(s, s|stateSending) {
			break
		}
	}
	ch.pair.Send(ch.half, n)
	return true
}

func (ch *channel) onSend(n int, err error) {
	if err != nil {
		ch.conn.fail(&Error{Op: "send", Remote: ch.target.RemoteAddr(), Err: err})
		ch.finish(stateSending)
		return
	}

	for {
		s := ch.state.Load()
		ns := s &^ stateSending
		switch {
		case s&stateClosing != 0:
			if ns&stateReceiving == 0 {
				ns |= stateDone
			}
			if ch.state.CompareAndSwap(s, ns) {
				if ns&stateDone != 0 {
					ch.conn.channelDone(ch.dir)
				}
				return
			}
		case s&stateDataPending != 0:
			if ch.state.CompareAndSwap(s, ns&^stateDataPending) {
				ch.deliver(ch.received)
				return
			}
		case s&stateReceiveEOF != 0:
			if ch.state.CompareAndSwap(s, ns|stateDone) {
				ch.conn.halfClose(ch.target)
				ch.conn.channelDone(ch.dir)
				return
			}
		default:
			if ch.state.CompareAndSwap(s, ns) {
				return
			}
		}
	}
}

// finish clears the flag of a failed operation and moves the channel to
// Closing, or straight to Done when nothing else is in flight.
func (ch *channel) finish(flag uint32) {
	for {
		s := ch.state.Load()
		if s&stateDone != 0 {
			return
		}
		ns := (s &^ flag) | stateClosing
		if ns&stateBusy == 0 {
			ns |= stateDone
		}
		if ch.state.CompareAndSwap(s, ns) {
			if ns&stateDone != 0 {
				ch.conn.channelDone(ch.dir)
			}
			return
		}
	}
}

func (ch *channel) deliver(n int) {
	res, err := ch.observe(n)
	if err != nil {
		ch.conn.fail(err)
		ch.abort()
		return
	}
	switch res.Outcome() {
	case Continue:
		ch.forward(n)
	case CloseClient:
		ch.conn.closeClient()
	case Pending:
		res.Continuation().SetCallback(ch.resume)
	}
}

func (ch *channel) observe(n int) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Op: "listener", Remote: ch.conn.client.RemoteAddr(), Err: fmt.Errorf("panic in DataReceived: %v", r)}
		}
	}()
	return ch.conn.listener.DataReceived(n, ch.dir), nil
}

func (ch *channel) onOutcome(o Outcome) {
	if o == CloseClient {
		ch.conn.closeClient()
		return
	}
	ch.forward(ch.received)
}

func (ch *channel) forward(n int) {
	ch.startSend(n)
	ch.startReceive()
}

// abort asks the channel to stop. In-flight operations finish on their own
// (the sockets are being closed under them) and the last one sets Done.
func (ch *channel) abort() {
	for {
		s := ch.state.Load()
		if s&stateDone != 0 {
			return
		}
		ns := s | stateClosing
		if ns&stateBusy == 0 {
			ns |= stateDone
		}
		if ch.state.CompareAndSwap(s, ns) {
			if ns&stateDone != 0 {
				ch.conn.channelDone(ch.dir)
			}
			return
		}
	}
}

func (ch *channel) done() bool { return ch.state.Load()&stateDone != 0 }
