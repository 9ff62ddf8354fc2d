package netif

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Host is a Link backed by an OS network interface. Name "" picks the first
// up, non-loopback interface carrying an IPv4 address.
type Host struct {
	Name         string
	Port         int
	PollInterval time.Duration
}

func (h *Host) poll() time.Duration {
	if h.PollInterval <= 0 {
		return time.Second
	}
	return h.PollInterval
}

// iface resolves the interface and its IPv4 prefix.
func (h *Host) iface() (*net.Interface, netip.Prefix, error) {
	var candidates []net.Interface
	if h.Name != "" {
		ifi, err := net.InterfaceByName(h.Name)
		if err != nil {
			return nil, netip.Prefix{}, err
		}
		candidates = []net.Interface{*ifi}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil, netip.Prefix{}, err
		}
		candidates = all
	}
	for i := range candidates {
		ifi := &candidates[i]
		if ifi.Flags&net.FlagUp == 0 || (h.Name == "" && ifi.Flags&net.FlagLoopback != 0) {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.To4() == nil {
				continue
			}
			p, err := netip.ParsePrefix(ipn.String())
			if err != nil {
				continue
			}
			return ifi, p, nil
		}
	}
	return nil, netip.Prefix{}, ErrNoAddress
}

func (h *Host) LinkUp() bool {
	_, _, err := h.iface()
	return err == nil
}

func (h *Host) BroadcastAddr() (netip.Addr, error) {
	_, p, err := h.iface()
	if err != nil {
		return netip.Addr{}, err
	}
	return Broadcast(p)
}

func (h *Host) HardwareAddr() net.HardwareAddr {
	ifi, _, err := h.iface()
	if err != nil {
		return nil
	}
	return ifi.HardwareAddr
}

// Connect waits for the interface to come up with an address, then binds the
// node port on all addresses so broadcasts are received too.
func (h *Host) Connect(ctx context.Context) (Conn, error) {
	t := time.NewTicker(h.poll())
	defer t.Stop()
	for !h.LinkUp() {
		log.Debug().Str("interface", h.Name).Msg("waiting for link")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	c, err := ListenUDP(":" + strconv.Itoa(h.Port))
	if err != nil {
		return nil, fmt.Errorf("bind brain port: %w", err)
	}
	return c, nil
}
