// Package netif is the network side of the node: a link that comes and goes
// and a datagram socket bound on it.
package netif

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

var (
	ErrTimeout   = errors.New("receive timeout")
	ErrTransport = errors.New("transport error")
	ErrNoAddress = errors.New("no ipv4 address on interface")
)

// Conn is a bound datagram socket.
type Conn interface {
	SendTo(b []byte, to netip.AddrPort) error
	// Recv waits at most timeout for one datagram. It returns ErrTimeout when
	// the window elapses; other failures wrap ErrTransport.
	Recv(buf []byte, timeout time.Duration) (int, netip.AddrPort, error)
	Close() error
}

// Link is the capability set the node needs from a network interface,
// whether it is wired or wireless.
type Link interface {
	// Connect blocks until the link is usable and returns a socket bound on it.
	Connect(ctx context.Context) (Conn, error)
	BroadcastAddr() (netip.Addr, error)
	LinkUp() bool
	HardwareAddr() net.HardwareAddr
}

// Broadcast returns the directed broadcast address of an IPv4 prefix.
func Broadcast(p netip.Prefix) (netip.Addr, error) {
	a := p.Addr().Unmap()
	if !a.Is4() {
		return netip.Addr{}, ErrNoAddress
	}
	b := a.As4()
	bits := p.Bits()
	for i := 0; i < 4; i++ {
		keep := min(max(bits-i*8, 0), 8)
		b[i] |= byte(0xff >> keep)
	}
	return netip.AddrFrom4(b), nil
}
