package sockop

import "net"

// Pair is one double-size buffer shared by a receive op and a send op. The
// buffer is split into two halves that take turns receiving: while one half is
// being sent, the next receive lands in the other.
type Pair struct {
	size int
	mem  []byte
	rx   *Op
	tx   *Op
}

func newPair(mem []byte) *Pair {
	return &Pair{
		size: len(mem) / 2,
		mem:  mem,
		rx:   newOp(kindReceive, mem),
		tx:   newOp(kindSend, mem),
	}
}

// Size is the capacity of one half.
func (p *Pair) Size() int { return p.size }

// Buffer returns the whole double-size backing buffer.
func (p *Pair) Buffer() []byte { return p.mem }

// Bind wires the receive op to source and the send op to target.
func (p *Pair) Bind(source, target net.Conn, onReceive, onSend Completion) {
	p.rx.Bind(source, onReceive)
	p.tx.Bind(target, onSend)
}

// Receive starts a read into the given half.
func (p *Pair) Receive(half int) {
	p.rx.SetWindow(half*p.size, p.size)
	p.rx.Submit()
}

// Send starts writing the first n bytes of the given half.
func (p *Pair) Send(half, n int) {
	p.tx.SetWindow(half*p.size, n)
	p.tx.Submit()
}

// Half returns the bytes of one half.
func (p *Pair) Half(half int) []byte {
	return p.mem[half*p.size : (half+1)*p.size]
}

func (p *Pair) reset() {
	p.rx.reset()
	p.tx.reset()
}

func (p *Pair) stop() {
	p.rx.stop()
	p.tx.stop()
}
