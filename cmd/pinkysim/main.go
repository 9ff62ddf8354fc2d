// Command pinkysim stands in for the show controller: it logs every datagram
// it receives and streams test frames to each brain that says hello.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/ledbrain/internal/netif"
	"github.com/coreman2200/ledbrain/internal/proto"
)

type brainPeer struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

func main() {
	var (
		listen   = flag.String("listen", ":8002", "UDP listen address")
		count    = flag.Int("leds", 144, "pixels per frame")
		fps      = flag.Int("fps", 30, "frames per second sent to each brain")
		indexed  = flag.Bool("indexed", false, "send 1 bit per pixel with a 2 color palette")
		pongs    = flag.Bool("pong", true, "request a pong with every frame")
		fragSize = flag.Int("frag", proto.FragmentMax, "max datagram size")
		firmware = flag.String("firmware", "", "send UseFirmware with this URL to new brains")
		dump     = flag.Bool("dump", false, "hex dump every received datagram")
		forget   = flag.Duration("forget", 15*time.Second, "stop streaming to brains silent this long")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})

	conn, err := netif.ListenUDP(*listen)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	defer conn.Close()
	log.Info().Str("addr", *listen).Int("leds", *count).Bool("indexed", *indexed).Msg("pinkysim listening")

	var (
		brains = map[string]*brainPeer{}
		msgID  int16
		seq    uint32
		tick   int
		buf    = make([]byte, 64*1024)
		frame  = time.Second / time.Duration(max(1, *fps))
		next   = time.Now().Add(frame)
	)
	send := func(to netip.AddrPort, msg []byte) {
		for _, d := range fragment(msgID, msg, *fragSize) {
			if err := conn.SendTo(d, to); err != nil {
				log.Warn().Err(err).Stringer("to", to).Msg("send")
				break
			}
		}
		msgID++
	}

	for {
		n, from, err := conn.Recv(buf, time.Until(next))
		switch {
		case err == nil:
			b := buf[:n]
			if *dump {
				log.Debug().Msgf("%d bytes from %s\n%s", n, from, hex.Dump(b))
			}
			if p := handle(b, from, brains); p != nil && *firmware != "" {
				send(p.addr, proto.FirmwareMsg{URL: *firmware}.Encode())
			}
		case errors.Is(err, netif.ErrTimeout):
		default:
			log.Error().Err(err).Msg("recv")
		}

		if time.Now().Before(next) {
			continue
		}
		next = next.Add(frame)
		tick++
		for id, p := range brains {
			if time.Since(p.lastSeen) > *forget {
				log.Info().Str("brain_id", id).Msg("brain went quiet, forgetting")
				delete(brains, id)
				continue
			}
			var pong []byte
			if *pongs {
				seq++
				pong = pongStamp(seq, time.Now().UnixNano())
			}
			send(p.addr, shade(*count, tick, *indexed, pong))
		}
	}
}

// handle logs one datagram and tracks brains. It returns the peer when a
// brain is seen for the first time.
func handle(b []byte, from netip.AddrPort, brains map[string]*brainPeer) *brainPeer {
	h, err := proto.DecodeHeader(b)
	if err != nil || len(b) <= proto.HeaderSize {
		log.Warn().Err(err).Stringer("from", from).Int("len", len(b)).Msg("bad datagram")
		return nil
	}
	body := b[proto.HeaderSize:]
	t := proto.MessageType(body[0])
	lvl := zerolog.InfoLevel
	if t == proto.Ping {
		lvl = zerolog.DebugLevel
	}
	ev := log.WithLevel(lvl).Stringer("from", from).Int16("id", h.ID).Stringer("type", t)

	switch t {
	case proto.BrainHello:
		m, err := proto.ParseHello(body[1:])
		if err != nil {
			ev.Err(err).Msg("bad hello")
			return nil
		}
		if m.FirmwareVersion != nil {
			ev = ev.Str("firmware", *m.FirmwareVersion)
		}
		if m.PanelName != nil {
			ev = ev.Str("panel", *m.PanelName)
		}
		ev.Str("brain_id", m.BrainID).Msg("hello")

		if p, ok := brains[m.BrainID]; ok {
			p.addr, p.lastSeen = from, time.Now()
			return nil
		}
		p := &brainPeer{addr: from, lastSeen: time.Now()}
		brains[m.BrainID] = p
		return p
	case proto.Ping:
		m, err := proto.ParsePing(body[1:])
		if err != nil || len(m.Data) < 12 {
			ev.Err(err).Msg("bad ping")
			return nil
		}
		rtt := time.Duration(time.Now().UnixNano() - int64(binary.BigEndian.Uint64(m.Data[4:])))
		for _, p := range brains {
			if p.addr == from {
				p.lastSeen = time.Now()
			}
		}
		ev.Uint32("seq", binary.BigEndian.Uint32(m.Data)).Dur("rtt", rtt).Msg("pong")
		return nil
	}
	ev.Int("len", len(body)).Msg("message")
	return nil
}
