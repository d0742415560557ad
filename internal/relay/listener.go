package relay

// Direction tells which way a chunk travels.
type Direction uint8

const (
	// Upstream is client to upstream.
	Upstream Direction = iota
	// Downstream is upstream to client.
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Listener observes a connection. DataReceived is called once per received
// chunk, before it is forwarded, and decides what happens to it. Calls for the
// two directions may run concurrently.
type Listener interface {
	Connected()
	Closed()
	DataReceived(n int, dir Direction) Result
}

// Sink is the terminal listener: it observes nothing and always continues.
var Sink Listener = sink{}

type sink struct{}

func (sink) Connected()                         {}
func (sink) Closed()                            {}
func (sink) DataReceived(int, Direction) Result { return ContinueResult }
