// Package protocol is the per-stream header spoken inside the KCP tunnel.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

type PType = byte

const (
	PPING    PType = 0x01
	PPONG    PType = 0x02
	PCONNECT PType = 0x03
)

const version = 0x01

// maxHost caps the decoded host so malformed input cannot pin memory.
const maxHost = 253

var ErrVersion = errors.New("proto: unsupported version")

type Addr struct {
	Host string
	Port int
}

func ParseAddr(hostport string) (*Addr, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("proto: bad port in %q", hostport)
	}
	return &Addr{Host: host, Port: port}, nil
}

func (a *Addr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

type Proto struct {
	Type PType
	Addr *Addr
}

// Wire format (all big-endian):
//
//	[1 byte]  version (0x01)
//	[1 byte]  Type
//	[1 byte]  flags  (bit 0 = has Addr)
//	--- if has Addr ---
//	[1 byte]  host length (N, at most 253)
//	[N bytes] host string
//	[2 bytes] port

func (p *Proto) Write(w io.Writer) error {
	var buf [3 + 1 + maxHost + 2]byte
	buf[0] = version
	buf[1] = p.Type
	n := 3

	if p.Addr != nil {
		host := p.Addr.Host
		if len(host) == 0 || len(host) > maxHost {
			return fmt.Errorf("proto: host length %d out of range", len(host))
		}
		if p.Addr.Port < 1 || p.Addr.Port > 65535 {
			return fmt.Errorf("proto: port %d out of range", p.Addr.Port)
		}
		buf[2] |= 0x01
		buf[n] = byte(len(host))
		n++
		n += copy(buf[n:], host)
		binary.BigEndian.PutUint16(buf[n:], uint16(p.Addr.Port))
		n += 2
	}

	_, err := w.Write(buf[:n])
	return err
}

func (p *Proto) Read(r io.Reader) error {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != version {
		return fmt.Errorf("%w %d", ErrVersion, hdr[0])
	}
	p.Type = hdr[1]
	p.Addr = nil

	if hdr[2]&0x01 == 0 {
		return nil
	}
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return err
	}
	if lb[0] == 0 || int(lb[0]) > maxHost {
		return fmt.Errorf("proto: host length %d out of range", lb[0])
	}
	rest := make([]byte, int(lb[0])+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return err
	}
	hl := int(lb[0])
	p.Addr = &Addr{
		Host: string(rest[:hl]),
		Port: int(binary.BigEndian.Uint16(rest[hl:])),
	}
	return nil
}
