package brain

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	diag "github.com/coreman2200/ledbrain/internal/diagnostics"
	"github.com/coreman2200/ledbrain/internal/framing"
	"github.com/coreman2200/ledbrain/internal/handoff"
	"github.com/coreman2200/ledbrain/internal/netif"
	"github.com/coreman2200/ledbrain/internal/proto"
)

var (
	bcastAddr  = netip.MustParseAddr("10.0.0.255")
	controller = netip.MustParseAddrPort("10.0.0.2:51000")
)

type datagram struct {
	b    []byte
	from netip.AddrPort
}

type sent struct {
	h    proto.Header
	body []byte
	to   netip.AddrPort
}

type fakeConn struct {
	in     chan datagram
	out    chan sent
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan datagram, 16), out: make(chan sent, 64), closed: make(chan struct{})}
}

func (c *fakeConn) SendTo(b []byte, to netip.AddrPort) error {
	h, err := proto.DecodeHeader(b)
	if err != nil {
		return err
	}
	c.out <- sent{h: h, body: append([]byte(nil), b[proto.HeaderSize:]...), to: to}
	return nil
}

func (c *fakeConn) Recv(buf []byte, timeout time.Duration) (int, netip.AddrPort, error) {
	select {
	case d := <-c.in:
		return copy(buf, d.b), d.from, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, netif.ErrTransport
	case <-time.After(timeout):
		return 0, netip.AddrPort{}, netif.ErrTimeout
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeLink struct {
	up       atomic.Bool
	connects atomic.Int32
	conns    chan *fakeConn
}

func newFakeLink() *fakeLink {
	l := &fakeLink{conns: make(chan *fakeConn, 4)}
	l.up.Store(true)
	return l
}

func (l *fakeLink) Connect(ctx context.Context) (netif.Conn, error) {
	for !l.up.Load() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	l.connects.Add(1)
	c := newFakeConn()
	l.conns <- c
	return c, nil
}

func (l *fakeLink) BroadcastAddr() (netip.Addr, error) { return bcastAddr, nil }
func (l *fakeLink) LinkUp() bool                       { return l.up.Load() }
func (l *fakeLink) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr{0x24, 0x0a, 0xc4, 0x12, 0xab, 0x0f}
}

type harness struct {
	t      *testing.T
	link   *fakeLink
	state  *framing.LedState
	frames *handoff.Mailbox
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, mod func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, link: newFakeLink(), state: framing.New(16), frames: handoff.New(), done: make(chan error, 1)}
	o := Options{
		FirmwareVersion: "go-12-abc1234",
		Link:            h.link,
		State:           h.state,
		Frames:          h.frames,
		LivenessTimeout: time.Second,
	}
	if mod != nil {
		mod(&o)
	}
	sup, err := New(o)
	require.NoError(t, err)
	h.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- sup.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("supervisor did not stop")
	}
}

func (h *harness) conn() *fakeConn {
	h.t.Helper()
	select {
	case c := <-h.link.conns:
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("no connection")
	}
	return nil
}

func (h *harness) expectSent(c *fakeConn) sent {
	h.t.Helper()
	select {
	case s := <-c.out:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("nothing sent")
	}
	return sent{}
}

func (h *harness) inject(c *fakeConn, id int16, msg []byte) {
	b, err := proto.Wrap(id, msg)
	require.NoError(h.t, err)
	c.in <- datagram{b: b, from: controller}
}

func parseHello(t *testing.T, s sent) proto.Hello {
	t.Helper()
	require.NotEmpty(t, s.body)
	require.Equal(t, byte(proto.BrainHello), s.body[0])
	m, err := proto.ParseHello(s.body[1:])
	require.NoError(t, err)
	return m
}

func TestIDFromMAC(t *testing.T) {
	assert.Equal(t, "12AB0F", IDFromMAC(net.HardwareAddr{0x24, 0x0a, 0xc4, 0x12, 0xab, 0x0f}))
	assert.Equal(t, "000000", IDFromMAC(nil))
}

func TestHelloBroadcastOnConnect(t *testing.T) {
	h := start(t, func(o *Options) { o.PanelName = "F3" })
	c := h.conn()

	s := h.expectSent(c)
	assert.Equal(t, netip.AddrPortFrom(bcastAddr, DefaultControllerPort), s.to)
	assert.Equal(t, int16(0), s.h.ID)
	assert.True(t, s.h.Complete())

	m := parseHello(t, s)
	assert.Equal(t, "12AB0F", m.BrainID)
	require.NotNil(t, m.PanelName)
	assert.Equal(t, "F3", *m.PanelName)
	require.NotNil(t, m.FirmwareVersion)
	assert.Equal(t, "go-12-abc1234", *m.FirmwareVersion)
	assert.NotNil(t, m.IDFVersion)
}

func TestLivenessTimeoutRebroadcastsHello(t *testing.T) {
	h := start(t, func(o *Options) { o.LivenessTimeout = 40 * time.Millisecond })
	c := h.conn()

	first := h.expectSent(c)
	second := h.expectSent(c)
	assert.Equal(t, first.to, second.to)
	assert.Equal(t, first.h.ID+1, second.h.ID)
	parseHello(t, second)

	select {
	case extra := <-c.out:
		assert.Equal(t, second.h.ID+1, extra.h.ID)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected the next window to produce another hello")
	}
}

func TestIDRequestRepliesToSender(t *testing.T) {
	h := start(t, nil)
	c := h.conn()
	h.expectSent(c)

	h.inject(c, 7, proto.IDRequest{}.Encode())
	s := h.expectSent(c)
	assert.Equal(t, controller, s.to)
	assert.Equal(t, int16(1), s.h.ID)
	assert.Equal(t, "12AB0F", parseHello(t, s).BrainID)
}

func TestFrameIsPublishedBeforePong(t *testing.T) {
	h := start(t, nil)
	c := h.conn()
	h.expectSent(c)

	msg := proto.PanelShade{
		Pong:       []byte("seq-42"),
		Descriptor: proto.DescriptorDirectRGB,
		PixelCount: 2,
		Pixels:     []byte{1, 2, 3, 4, 5, 6},
	}.Encode()
	h.inject(c, 3, msg)

	s := h.expectSent(c)
	assert.Equal(t, controller, s.to)
	require.Equal(t, byte(proto.Ping), s.body[0])
	p, err := proto.ParsePing(s.body[1:])
	require.NoError(t, err)
	assert.True(t, p.IsPong)
	assert.Equal(t, []byte("seq-42"), p.Data)

	f, ok := h.frames.TakeLatest()
	require.True(t, ok, "frame must be handed off before the pong goes out")
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, f.Pixels)
}

func TestFrameWithoutPongSendsNothing(t *testing.T) {
	h := start(t, nil)
	c := h.conn()
	h.expectSent(c)

	msg := proto.PanelShade{Descriptor: proto.DescriptorDirectRGB, PixelCount: 1, Pixels: []byte{9, 9, 9}}.Encode()
	h.inject(c, 3, msg)

	assert.Eventually(t, func() bool { return h.frames.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
	select {
	case s := <-c.out:
		t.Fatalf("unexpected send: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLargeSingleFragmentFrameIsPublished(t *testing.T) {
	h := start(t, nil)
	c := h.conn()
	h.expectSent(c)

	pixels := make([]byte, 600*3)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	msg := proto.PanelShade{Descriptor: proto.DescriptorDirectRGB, PixelCount: 600, Pixels: pixels}.Encode()
	require.Greater(t, proto.HeaderSize+len(msg), proto.FragmentMax)
	h.inject(c, 4, msg)

	assert.Eventually(t, func() bool { return h.frames.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
	f, ok := h.frames.TakeLatest()
	require.True(t, ok)
	assert.Equal(t, pixels, f.Pixels)
}

func TestLivenessTimeoutIsReported(t *testing.T) {
	var codes []string
	var mu sync.Mutex
	h := start(t, func(o *Options) {
		o.LivenessTimeout = 30 * time.Millisecond
		o.OnEvent = func(d diag.Diagnostic) {
			mu.Lock()
			codes = append(codes, d.Code)
			mu.Unlock()
		}
	})
	h.conn()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range codes {
			if c == diag.LivenessTimeout {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

type blockingUpdater struct {
	calls   atomic.Int32
	release chan struct{}
	urls    chan string
}

func (u *blockingUpdater) Update(ctx context.Context, url string) error {
	u.calls.Add(1)
	u.urls <- url
	select {
	case <-u.release:
	case <-ctx.Done():
	}
	return nil
}

func TestFirmwareUpdateIsSingleFlight(t *testing.T) {
	u := &blockingUpdater{release: make(chan struct{}), urls: make(chan string, 4)}
	var events []string
	var mu sync.Mutex
	h := start(t, func(o *Options) {
		o.Updater = u
		o.OnEvent = func(d diag.Diagnostic) {
			mu.Lock()
			events = append(events, d.Code)
			mu.Unlock()
		}
	})
	c := h.conn()
	h.expectSent(c)

	h.inject(c, 1, proto.FirmwareMsg{URL: "http://pinky/a.bin"}.Encode())
	assert.Equal(t, "http://pinky/a.bin", <-u.urls)
	h.inject(c, 2, proto.FirmwareMsg{URL: "http://pinky/b.bin"}.Encode())

	// The loop keeps serving while the download runs.
	h.inject(c, 3, proto.IDRequest{}.Encode())
	h.expectSent(c)
	assert.Equal(t, int32(1), u.calls.Load())

	close(u.release)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == diag.FirmwareDone {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestLinkLossReconnects(t *testing.T) {
	h := start(t, func(o *Options) { o.LivenessTimeout = 20 * time.Millisecond })
	c := h.conn()
	h.expectSent(c)

	h.link.up.Store(false)
	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("socket not closed after link loss")
	}

	h.link.up.Store(true)
	c2 := h.conn()
	s := h.expectSent(c2)
	parseHello(t, s)
	assert.Equal(t, netip.AddrPortFrom(bcastAddr, DefaultControllerPort), s.to)
	assert.Equal(t, int32(2), h.link.connects.Load())
}

func TestLinkLossDropsPartialMessage(t *testing.T) {
	h := start(t, func(o *Options) { o.LivenessTimeout = 20 * time.Millisecond })
	c := h.conn()
	h.expectSent(c)

	msg := proto.PanelShade{Descriptor: proto.DescriptorDirectRGB, PixelCount: 2, Pixels: []byte{1, 2, 3, 4, 5, 6}}.Encode()
	half := len(msg) / 2
	frag := func(off int, part []byte) []byte {
		hdr := proto.Header{ID: 5, FrameSize: int16(len(part)), MsgSize: int32(len(msg)), FrameOffset: int32(off)}
		return append(hdr.AppendTo(nil), part...)
	}
	c.in <- datagram{b: frag(0, msg[:half]), from: controller}

	h.link.up.Store(false)
	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("socket not closed after link loss")
	}
	h.link.up.Store(true)
	c2 := h.conn()
	h.expectSent(c2)

	c2.in <- datagram{b: frag(half, msg[half:]), from: controller}
	h.inject(c2, 6, proto.PanelShade{Descriptor: proto.DescriptorDirectRGB, PixelCount: 1, Pixels: []byte{7, 8, 9}}.Encode())

	assert.Eventually(t, func() bool { return h.frames.Stats().Published >= 1 }, time.Second, 5*time.Millisecond)
	f, ok := h.frames.TakeLatest()
	require.True(t, ok)
	assert.Equal(t, []byte{7, 8, 9}, f.Pixels)
	assert.Equal(t, uint64(1), h.frames.Stats().Published, "the half message from the old link must not complete")
}

func TestInvalidFragmentsKeepServing(t *testing.T) {
	h := start(t, nil)
	c := h.conn()
	h.expectSent(c)

	c.in <- datagram{b: []byte{1, 2, 3}, from: controller}
	bad := proto.Header{ID: 4, FrameSize: 3, MsgSize: 10, FrameOffset: 5}
	c.in <- datagram{b: append(bad.AppendTo(nil), 1, 2, 3), from: controller}

	h.inject(c, 5, proto.IDRequest{}.Encode())
	s := h.expectSent(c)
	assert.Equal(t, controller, s.to)
}

func TestMessageIDWraps(t *testing.T) {
	s := &Supervisor{msgID: 32767}
	assert.Equal(t, int16(32767), s.nextID())
	assert.Equal(t, int16(-32768), s.nextID())
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
