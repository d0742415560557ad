package relay

import "net"

// Route is where an accepted client goes and who observes it.
type Route struct {
	Endpoint string
	Listener Listener
}

// Connector decides, per accepted client, whether to relay it and where.
// It runs on the accept loop and must not block on client I/O.
type Connector interface {
	Connect(client net.Conn) (Route, bool)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(client net.Conn) (Route, bool)

func (f ConnectorFunc) Connect(client net.Conn) (Route, bool) { return f(client) }
