package netif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"
)

// UDPConn adapts *net.UDPConn to Conn. Go enables SO_BROADCAST on datagram
// sockets, so sends to a broadcast address work without extra setup.
type UDPConn struct {
	c *net.UDPConn
}

// ListenUDP binds addr ("host:port", host may be empty).
func ListenUDP(addr string) (*UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	c, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, errors.Join(ErrTransport, err))
	}
	return &UDPConn{c: c}, nil
}

func (u *UDPConn) LocalAddr() netip.AddrPort {
	ap := u.c.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (u *UDPConn) SendTo(b []byte, to netip.AddrPort) error {
	if _, err := u.c.WriteToUDPAddrPort(b, to); err != nil {
		return fmt.Errorf("send to %s: %w", to, errors.Join(ErrTransport, err))
	}
	return nil
}

func (u *UDPConn) Recv(buf []byte, timeout time.Duration) (int, netip.AddrPort, error) {
	if err := u.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, netip.AddrPort{}, errors.Join(ErrTransport, err)
	}
	n, from, err := u.c.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, netip.AddrPort{}, ErrTimeout
		}
		return 0, netip.AddrPort{}, fmt.Errorf("recv: %w", errors.Join(ErrTransport, err))
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

func (u *UDPConn) Close() error { return u.c.Close() }
