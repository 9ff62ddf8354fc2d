// Package brain runs the node's network side: discovery, liveness, and the
// dispatch of reassembled messages.
package brain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	diag "github.com/coreman2200/ledbrain/internal/diagnostics"
	"github.com/coreman2200/ledbrain/internal/framing"
	"github.com/coreman2200/ledbrain/internal/handoff"
	"github.com/coreman2200/ledbrain/internal/metrics"
	"github.com/coreman2200/ledbrain/internal/netif"
	"github.com/coreman2200/ledbrain/internal/proto"
)

const (
	DefaultControllerPort  = 8002
	DefaultListenPort      = 8003
	DefaultLivenessTimeout = 5 * time.Second
)

var errLinkDown = errors.New("link down")

// Updater installs the firmware image found at url.
type Updater interface {
	Update(ctx context.Context, url string) error
}

type Options struct {
	BrainID         string
	PanelName       string
	FirmwareVersion string
	RuntimeVersion  string

	Link   netif.Link
	State  *framing.LedState
	Frames *handoff.Mailbox

	// Updater may be nil, in which case firmware requests are logged and ignored.
	Updater Updater

	ControllerPort  int
	LivenessTimeout time.Duration

	// OnEvent may be called from the firmware goroutine as well as Run's.
	OnEvent func(diag.Diagnostic)
}

// Supervisor owns the socket. Everything except firmware downloads runs on
// the goroutine that called Run.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger
	buf    []byte
	msgID  int16

	updating atomic.Bool
	wg       sync.WaitGroup
}

func New(o Options) (*Supervisor, error) {
	if o.Link == nil || o.State == nil || o.Frames == nil {
		return nil, errors.New("brain: link, state and frames are required")
	}
	if o.BrainID == "" {
		o.BrainID = IDFromMAC(o.Link.HardwareAddr())
	}
	if o.ControllerPort == 0 {
		o.ControllerPort = DefaultControllerPort
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = DefaultLivenessTimeout
	}
	if o.RuntimeVersion == "" {
		o.RuntimeVersion = runtime.Version()
	}
	return &Supervisor{
		opts:   o,
		logger: log.With().Str("component", "brain").Str("brain_id", o.BrainID).Logger(),
		buf:    make([]byte, proto.DatagramMax),
	}, nil
}

func (s *Supervisor) BrainID() string { return s.opts.BrainID }

// IDFromMAC formats the last three bytes of mac as upper-case hex.
func IDFromMAC(mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return "000000"
	}
	t := mac[len(mac)-3:]
	return fmt.Sprintf("%02X%02X%02X", t[0], t[1], t[2])
}

// Run connects, announces, and serves until ctx is cancelled. A lost link
// sends it back to waiting for the interface.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		conn, err := s.opts.Link.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Msg("connect failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		metrics.LinkUp.Set(1)
		s.emit(diag.Diagnostic{Severity: diag.Info, Code: diag.LinkUp, Summary: "Network link up"})

		err = s.serve(ctx, conn)
		_ = conn.Close()
		metrics.LinkUp.Set(0)
		if s.opts.State.InProgress() {
			s.logger.Debug().Msg("abandoning message in flight")
		}
		s.opts.State.Reset()
		if ctx.Err() != nil {
			return nil
		}
		s.emit(diag.Diagnostic{
			Severity:     diag.Warn,
			Code:         diag.LinkDown,
			Summary:      "Network link lost",
			Detail:       errString(err),
			LikelyCauses: []string{"cable unplugged", "access point out of range", "address lease lost"},
		})
	}
}

func (s *Supervisor) serve(ctx context.Context, conn netif.Conn) error {
	// Unblock Recv promptly on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	bcast, err := s.broadcastDest()
	if err != nil {
		return err
	}
	s.logger.Info().Stringer("broadcast", bcast).Msg("link up, announcing")
	s.sendHello(conn, bcast, diag.HelloBroadcast)

	for {
		ev := s.next(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch ev.Kind {
		case EventDatagram:
			s.handle(ctx, conn, ev)
		case EventTimeout:
			metrics.LivenessTimeoutsTotal.Inc()
			s.logger.Info().Dur("ttl", s.opts.LivenessTimeout).Msg("no traffic from controller, sending hello")
			s.emit(diag.Diagnostic{
				Severity:     diag.Warn,
				Code:         diag.LivenessTimeout,
				Summary:      "No traffic from controller",
				LikelyCauses: []string{"controller not running", "controller on another subnet"},
				Evidence:     map[string]any{"ttl_ms": s.opts.LivenessTimeout.Milliseconds()},
			})
			if !s.opts.Link.LinkUp() {
				return errLinkDown
			}
			if bcast, err = s.broadcastDest(); err != nil {
				return err
			}
			s.sendHello(conn, bcast, diag.HelloBroadcast)
		case EventError:
			metrics.TransportErrorsTotal.Inc()
			s.logger.Error().Err(ev.Err).Msg("receive failed")
			s.emit(diag.Diagnostic{Severity: diag.Err, Code: diag.TransportError, Summary: "Receive failed", Detail: ev.Err.Error()})
			if !s.opts.Link.LinkUp() {
				return errLinkDown
			}
		}
	}
}

func (s *Supervisor) broadcastDest() (netip.AddrPort, error) {
	a, err := s.opts.Link.BroadcastAddr()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("broadcast address: %w", err)
	}
	return netip.AddrPortFrom(a, uint16(s.opts.ControllerPort)), nil
}

func (s *Supervisor) handle(ctx context.Context, conn netif.Conn, ev Event) {
	metrics.DatagramsReceivedTotal.Inc()
	r := s.opts.State.OnDatagram(ev.Data)
	if r.Err != nil {
		metrics.FragmentsRejectedTotal.WithLabelValues(rejectReason(r.Err)).Inc()
	}

	switch r.Action {
	case framing.SendHello:
		s.sendHello(conn, ev.From, diag.HelloReply)
	case framing.WriteFrame:
		metrics.FramesCompletedTotal.Inc()
		s.opts.Frames.Publish(s.opts.State.Snapshot())
		if r.Pong != nil {
			s.send(conn, ev.From, proto.Ping, proto.PingMsg{Data: r.Pong, IsPong: true}.Encode())
		}
	case framing.DownloadFirmware:
		s.startUpdate(ctx, r.URL)
	}
}

func (s *Supervisor) hello() proto.Hello {
	h := proto.Hello{BrainID: s.opts.BrainID}
	if s.opts.PanelName != "" {
		h.PanelName = &s.opts.PanelName
	}
	if s.opts.FirmwareVersion != "" {
		h.FirmwareVersion = &s.opts.FirmwareVersion
	}
	if s.opts.RuntimeVersion != "" {
		h.IDFVersion = &s.opts.RuntimeVersion
	}
	return h
}

func (s *Supervisor) sendHello(conn netif.Conn, to netip.AddrPort, code string) {
	if s.send(conn, to, proto.BrainHello, s.hello().Encode()) {
		s.emit(diag.Diagnostic{Severity: diag.Info, Code: code, Summary: "Hello sent", Evidence: map[string]any{"to": to.String()}})
	}
}

// send wraps body in a single fragment with the next message id.
func (s *Supervisor) send(conn netif.Conn, to netip.AddrPort, t proto.MessageType, body []byte) bool {
	pkt, err := proto.Wrap(s.nextID(), body)
	if err == nil {
		err = conn.SendTo(pkt, to)
	}
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues(t.String(), "error").Inc()
		s.logger.Warn().Err(err).Stringer("type", t).Stringer("to", to).Msg("send failed")
		return false
	}
	metrics.MessagesSentTotal.WithLabelValues(t.String(), "ok").Inc()
	s.logger.Debug().Stringer("type", t).Stringer("to", to).Int("len", len(pkt)).Msg("sent")
	return true
}

// nextID returns the id for an outbound message. It wraps at int16.
func (s *Supervisor) nextID() int16 {
	id := s.msgID
	s.msgID++
	return id
}

func (s *Supervisor) startUpdate(ctx context.Context, url string) {
	if s.opts.Updater == nil {
		s.logger.Warn().Str("url", url).Msg("firmware update requested but no updater configured")
		return
	}
	if !s.updating.CompareAndSwap(false, true) {
		s.logger.Info().Str("url", url).Msg("firmware update already running, ignoring")
		return
	}
	s.emit(diag.Diagnostic{Severity: diag.Info, Code: diag.FirmwareStart, Summary: "Downloading firmware", Evidence: map[string]any{"url": url}})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.updating.Store(false)
		if err := s.opts.Updater.Update(ctx, url); err != nil {
			metrics.FirmwareUpdatesTotal.WithLabelValues("error").Inc()
			s.logger.Error().Err(err).Str("url", url).Msg("firmware update failed")
			s.emit(diag.Diagnostic{
				Severity:       diag.Err,
				Code:           diag.FirmwareFailed,
				Summary:        "Firmware update failed",
				Detail:         err.Error(),
				SuggestedFixes: []string{"check the image URL is reachable from the node"},
			})
			return
		}
		metrics.FirmwareUpdatesTotal.WithLabelValues("ok").Inc()
		s.logger.Info().Str("url", url).Msg("firmware staged, restart to apply")
		s.emit(diag.Diagnostic{Severity: diag.Info, Code: diag.FirmwareDone, Summary: "Firmware installed"})
	}()
}

func (s *Supervisor) emit(d diag.Diagnostic) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(d)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, proto.ErrNonContiguous):
		return "noncontiguous"
	case errors.Is(err, proto.ErrTruncated):
		return "truncated"
	case errors.Is(err, proto.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, proto.ErrMalformed):
		return "malformed"
	}
	return "other"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
