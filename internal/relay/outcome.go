package relay

import (
	"errors"
	"sync/atomic"
)

// Outcome is the verdict a Listener returns for one chunk.
type Outcome uint8

const (
	// Continue forwards the chunk and keeps relaying.
	Continue Outcome = iota
	// CloseClient tears the connection down immediately.
	CloseClient
	// Pending means the verdict arrives later through a Continuation.
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case CloseClient:
		return "close-client"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

var (
	ErrOutcomeAlreadySet  = errors.New("relay: continuation outcome already set")
	ErrCallbackAlreadySet = errors.New("relay: continuation callback already set")
	ErrInvalidOutcome     = errors.New("relay: continuation outcome must be Continue or CloseClient")
)

// Result is either an immediate outcome or a pending Continuation. The zero
// value is an immediate Continue.
type Result struct {
	closeClient bool
	c           *Continuation
}

var (
	ContinueResult    = Result{}
	CloseClientResult = Result{closeClient: true}
)

// Immediate returns the ready-made Result for o.
func Immediate(o Outcome) Result {
	switch o {
	case Continue:
		return ContinueResult
	case CloseClient:
		return CloseClientResult
	default:
		panic(ErrInvalidOutcome)
	}
}

func (r Result) Outcome() Outcome {
	switch {
	case r.c != nil:
		return Pending
	case r.closeClient:
		return CloseClient
	default:
		return Continue
	}
}

// Continuation returns the pending continuation, or nil for immediate results.
func (r Result) Continuation() *Continuation { return r.c }

// OnComplete runs fn with the final outcome: right away for immediate results,
// or once the continuation is resolved.
func (r Result) OnComplete(fn func(Outcome)) {
	if r.c != nil {
		r.c.SetCallback(fn)
		return
	}
	fn(r.Outcome())
}

type cellState uint8

const (
	cellOutcome cellState = iota + 1
	cellCallback
	cellDone
)

type cell struct {
	state   cellState
	outcome Outcome
	fn      func(Outcome)
}

var doneCell = &cell{state: cellDone}

// Continuation delivers one deferred outcome to one callback, whichever of
// SetOutcome and SetCallback happens first. A nil cell means neither has been
// called yet.
type Continuation struct {
	p atomic.Pointer[cell]
}

func NewContinuation() *Continuation { return &Continuation{} }

// Result wraps c as a pending Result.
func (c *Continuation) Result() Result { return Result{c: c} }

// SetOutcome resolves the continuation. It panics when called twice or with
// Pending.
func (c *Continuation) SetOutcome(o Outcome) {
	if o != Continue && o != CloseClient {
		panic(ErrInvalidOutcome)
	}
	var stored *cell
	for {
		cur := c.p.Load()
		switch {
		case cur == nil:
			if stored == nil {
				stored = &cell{state: cellOutcome, outcome: o}
			}
			if c.p.CompareAndSwap(nil, stored) {
				return
			}
		case cur.state == cellCallback:
			if c.p.CompareAndSwap(cur, doneCell) {
				cur.fn(o)
				return
			}
		default:
			panic(ErrOutcomeAlreadySet)
		}
	}
}

// SetCallback registers fn. It panics when called twice.
func (c *Continuation) SetCallback(fn func(Outcome)) {
	var stored *cell
	for {
		cur := c.p.Load()
		switch {
		case cur == nil:
			if stored == nil {
				stored = &cell{state: cellCallback, fn: fn}
			}
			if c.p.CompareAndSwap(nil, stored) {
				return
			}
		case cur.state == cellOutcome:
			if c.p.CompareAndSwap(cur, doneCell) {
				fn(cur.outcome)
				return
			}
		default:
			panic(ErrCallbackAlreadySet)
		}
	}
}

// Resolved reports whether an outcome has been set.
func (c *Continuation) Resolved() bool {
	cur := c.p.Load()
	return cur != nil && cur.state != cellCallback
}
