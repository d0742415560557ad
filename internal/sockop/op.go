package sockop

import (
	"io"
	"net"
)

// Completion receives the result of one submitted operation. It runs on the
// op's worker goroutine.
type Completion func(n int, err error)

type kind uint8

const (
	kindReceive kind = iota
	kindSend
)

// Op is a reusable socket operation bound to a window of pooled memory. Each
// Op owns one worker goroutine for its whole life; Submit hands it a request
// and returns immediately. At most one request is outstanding per Op, so the
// capacity-1 queue never blocks, even when a completion resubmits.
type Op struct {
	kind kind
	mem  []byte
	off  int
	n    int

	conn net.Conn
	done Completion

	req chan struct{}
}

func newOp(k kind, mem []byte) *Op {
	o := &Op{
		kind: k,
		mem:  mem,
		n:    len(mem),
		req:  make(chan struct{}, 1),
	}
	go o.run()
	return o
}

// Bind attaches the socket and completion used by later submits.
func (o *Op) Bind(conn net.Conn, done Completion) {
	o.conn = conn
	o.done = done
}

// SetWindow narrows the addressable region to mem[off:off+n].
func (o *Op) SetWindow(off, n int) {
	if off < 0 || n < 0 || off+n > len(o.mem) {
		panic("sockop: window out of range")
	}
	o.off = off
	o.n = n
}

func (o *Op) Window() []byte { return o.mem[o.off : o.off+o.n] }

func (o *Op) Submit() { o.req <- struct{}{} }

func (o *Op) reset() {
	o.conn = nil
	o.done = nil
	o.off = 0
	o.n = len(o.mem)
}

func (o *Op) stop() { close(o.req) }

func (o *Op) run() {
	for range o.req {
		n, err := o.perform()
		o.done(n, err)
	}
}

func (o *Op) perform() (int, error) {
	w := o.Window()
	if o.kind == kindSend {
		return o.conn.Write(w)
	}
	for {
		n, err := o.conn.Read(w)
		if n > 0 {
			// A trailing error is reported again by the next read.
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		if len(w) == 0 {
			return 0, io.ErrShortBuffer
		}
	}
}
