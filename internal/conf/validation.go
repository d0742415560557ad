package conf

import (
	"fmt"
	"net"
	"strconv"
)

// validateAddr checks a host:port pair without resolving the host, so configs
// naming hosts that are not reachable yet still load.
func validateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address '%s': %v", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port in '%s'", addr)
	}
	return nil
}
