package brain

import (
	"errors"
	"net/netip"

	"github.com/coreman2200/ledbrain/internal/netif"
)

type EventKind int

const (
	EventDatagram EventKind = iota
	EventTimeout
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDatagram:
		return "datagram"
	case EventTimeout:
		return "timeout"
	}
	return "error"
}

// Event is whatever ended one wait on the socket.
type Event struct {
	Kind EventKind
	Data []byte
	From netip.AddrPort
	Err  error
}

// next waits at most the liveness window for one datagram. Data aliases the
// supervisor's receive buffer and is valid until the following call.
func (s *Supervisor) next(conn netif.Conn) Event {
	n, from, err := conn.Recv(s.buf, s.opts.LivenessTimeout)
	switch {
	case err == nil:
		return Event{Kind: EventDatagram, Data: s.buf[:n], From: from}
	case errors.Is(err, netif.ErrTimeout):
		return Event{Kind: EventTimeout}
	}
	return Event{Kind: EventError, Err: err}
}
