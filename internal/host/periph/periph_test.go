package periph

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/thinhost/spidrv/internal/host"
)

type txCall struct {
	w, r    []byte
	packets []spi.Packet
}

type fakePort struct {
	mu         sync.Mutex
	connects   int
	closed     bool
	rxFill     byte
	openErr    error
	connectErr error
	txErr      error
	calls      []txCall
}

func (p *fakePort) String() string { return "fakeport" }

func (p *fakePort) Close() error { p.closed = true; return nil }

func (p *fakePort) LimitSpeed(physic.Frequency) error { return nil }

func (p *fakePort) Connect(physic.Frequency, spi.Mode, int) (spi.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	return &fakeConn{port: p}, nil
}

type fakeConn struct {
	port *fakePort
}

func (c *fakeConn) String() string      { return "fakeconn" }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }

func (c *fakeConn) Tx(w, r []byte) error {
	c.port.mu.Lock()
	defer c.port.mu.Unlock()
	if c.port.txErr != nil {
		return c.port.txErr
	}
	for i := range r {
		r[i] = c.port.rxFill
	}
	c.port.calls = append(c.port.calls, txCall{
		w: append([]byte(nil), w...),
		r: append([]byte(nil), r...),
	})
	return nil
}

func (c *fakeConn) TxPackets(pkts []spi.Packet) error {
	c.port.mu.Lock()
	defer c.port.mu.Unlock()
	if c.port.txErr != nil {
		return c.port.txErr
	}
	rec := txCall{packets: make([]spi.Packet, len(pkts))}
	for i, pk := range pkts {
		for j := range pk.R {
			pk.R[j] = c.port.rxFill
		}
		rec.packets[i] = spi.Packet{
			W:      append([]byte(nil), pk.W...),
			R:      append([]byte(nil), pk.R...),
			KeepCS: pk.KeepCS,
		}
	}
	c.port.calls = append(c.port.calls, rec)
	return nil
}

var (
	_ spi.PortCloser = (*fakePort)(nil)
	_ spi.Conn       = (*fakeConn)(nil)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func packedName(t *testing.T, s string) [host.NameSize]byte {
	t.Helper()
	n, err := host.PackName(s)
	if err != nil {
		t.Fatalf("PackName(%q): %v", s, err)
	}
	return n
}

func refFor(name string, port *fakePort, aliases ...string) *spireg.Ref {
	return &spireg.Ref{
		Name:    name,
		Aliases: aliases,
		Open: func() (spi.PortCloser, error) {
			if port.openErr != nil {
				return nil, port.openErr
			}
			return port, nil
		},
	}
}

func testHost(t *testing.T, refs *[]*spireg.Ref, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	h := newHost(func() []*spireg.Ref { return *refs }, opts...)
	if err := h.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	return h
}

func TestDeviceNameMapping(t *testing.T) {
	p0 := &fakePort{}
	p1 := &fakePort{}
	p2 := &fakePort{}
	refs := []*spireg.Ref{
		refFor("SPI0.0", p0, "/dev/spidev0.0"),
		refFor("SPI0.1", p1, "/dev/spidev0.1"),
		refFor("SPI1.0", p2),
	}
	h := testHost(t, &refs,
		WithDevice("SPI0.0", "norflash"),
		WithDevice("/dev/spidev0.1", "dummy"),
	)

	snap := h.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot returned %d ports, want 3", len(snap))
	}
	want := map[string]string{"SPI0.0": "norflash", "SPI0.1": "dummy", "SPI1.0": "SPI1.0"}
	for _, info := range snap {
		if info.Name != want[info.Node] {
			t.Errorf("port %s mapped to %q, want %q", info.Node, info.Name, want[info.Node])
		}
	}
}

func TestRegisterBindsMatchingPorts(t *testing.T) {
	p0 := &fakePort{}
	p1 := &fakePort{}
	refs := []*spireg.Ref{
		refFor("SPI0.0", p0),
		refFor("SPI0.1", p1),
	}
	h := testHost(t, &refs, WithDevice("SPI0.0", "norflash"))

	var probed []host.Device
	d := &host.Descriptor{
		Name:    packedName(t, "nor-driver"),
		IDTable: host.MustIDTable(host.IDEntry{Name: "norflash"}),
		Probe: func(dev host.Device) host.Status {
			probed = append(probed, dev)
			return 0
		},
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if len(probed) != 1 {
		t.Fatalf("probe ran %d times, want 1", len(probed))
	}
	for _, info := range h.Snapshot() {
		switch info.Node {
		case "SPI0.0":
			if info.Driver != "nor-driver" {
				t.Errorf("SPI0.0 bound to %q, want nor-driver", info.Driver)
			}
		case "SPI0.1":
			if info.Driver != "" {
				t.Errorf("SPI0.1 bound to %q, want unbound", info.Driver)
			}
		}
	}

	// Probing must not touch the port; only transfers connect.
	if p0.connects != 0 {
		t.Errorf("port connected %d times during probe, want 0", p0.connects)
	}
}

func TestRegisterRefusals(t *testing.T) {
	p0 := &fakePort{}
	refs := []*spireg.Ref{refFor("SPI0.0", p0)}
	h := testHost(t, &refs)

	d := &host.Descriptor{
		Name:  packedName(t, "alpha"),
		Probe: func(host.Device) host.Status { return host.ENODEV.Status() },
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("first register: %v", st.Err())
	}
	if st := h.RegisterDriver(nil, d); st.Errno() != host.EBUSY {
		t.Errorf("same descriptor again: got %v, want EBUSY", st.Errno())
	}
	clone := &host.Descriptor{
		Name:  packedName(t, "alpha"),
		Probe: func(host.Device) host.Status { return 0 },
	}
	if st := h.RegisterDriver(nil, clone); st.Errno() != host.EEXIST {
		t.Errorf("same name again: got %v, want EEXIST", st.Errno())
	}
	if st := h.RegisterDriver(nil, &host.Descriptor{}); st.Errno() != host.EINVAL {
		t.Errorf("empty name: got %v, want EINVAL", st.Errno())
	}
}

func TestTransferRouting(t *testing.T) {
	p0 := &fakePort{rxFill: 0xA5}
	refs := []*spireg.Ref{refFor("SPI0.0", p0)}
	h := testHost(t, &refs, WithDevice("SPI0.0", "dummy"))

	var dev host.Device
	d := &host.Descriptor{
		Name: packedName(t, "dummy"),
		Probe: func(tok host.Device) host.Status {
			dev = tok
			return 0
		},
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if dev == 0 {
		t.Fatal("probe never ran")
	}

	t.Run("WriteThenRead", func(t *testing.T) {
		rx := make([]byte, 3)
		if st := h.WriteThenRead(dev, []byte{0x9F}, rx); st != 0 {
			t.Fatalf("WriteThenRead: %v", st.Err())
		}
		call := p0.calls[len(p0.calls)-1]
		if len(call.packets) != 2 {
			t.Fatalf("got %d packets, want 2", len(call.packets))
		}
		if !bytes.Equal(call.packets[0].W, []byte{0x9F}) || !call.packets[0].KeepCS {
			t.Errorf("write packet = %+v, want W=9F KeepCS", call.packets[0])
		}
		if len(call.packets[1].R) != 3 || call.packets[1].KeepCS {
			t.Errorf("read packet = %+v, want 3-byte R without KeepCS", call.packets[1])
		}
		if !bytes.Equal(rx, []byte{0xA5, 0xA5, 0xA5}) {
			t.Errorf("rx = %x, want a5a5a5", rx)
		}
	})

	t.Run("WriteOnly", func(t *testing.T) {
		if st := h.WriteThenRead(dev, []byte{1, 2}, nil); st != 0 {
			t.Fatalf("WriteThenRead: %v", st.Err())
		}
		call := p0.calls[len(p0.calls)-1]
		if call.packets != nil {
			t.Fatalf("write-only used TxPackets, want plain Tx")
		}
		if !bytes.Equal(call.w, []byte{1, 2}) || len(call.r) != 0 {
			t.Errorf("Tx call = %+v", call)
		}
	})

	t.Run("ReadOnly", func(t *testing.T) {
		rx := make([]byte, 2)
		if st := h.WriteThenRead(dev, nil, rx); st != 0 {
			t.Fatalf("WriteThenRead: %v", st.Err())
		}
		call := p0.calls[len(p0.calls)-1]
		if call.packets != nil || len(call.w) != 0 {
			t.Fatalf("read-only call = %+v, want plain Tx with empty w", call)
		}
		if !bytes.Equal(rx, []byte{0xA5, 0xA5}) {
			t.Errorf("rx = %x, want a5a5", rx)
		}
	})

	t.Run("EmptyBothSkipsPort", func(t *testing.T) {
		before := len(p0.calls)
		if st := h.WriteThenRead(dev, nil, nil); st != 0 {
			t.Fatalf("WriteThenRead: %v", st.Err())
		}
		if len(p0.calls) != before {
			t.Errorf("empty transfer reached the port")
		}
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		if st := h.WriteThenRead(host.Device(9999), []byte{1}, nil); st.Errno() != host.ENODEV {
			t.Errorf("got %v, want ENODEV", st.Errno())
		}
	})
}

func TestLazyConnect(t *testing.T) {
	p0 := &fakePort{}
	refs := []*spireg.Ref{refFor("SPI0.0", p0)}
	h := testHost(t, &refs)

	var dev host.Device
	d := &host.Descriptor{
		Name: packedName(t, "SPI0.0"),
		Probe: func(tok host.Device) host.Status {
			dev = tok
			return 0
		},
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if p0.connects != 0 {
		t.Fatalf("port connected before first transfer")
	}
	for i := 0; i < 3; i++ {
		if st := h.WriteThenRead(dev, []byte{1}, nil); st != 0 {
			t.Fatalf("transfer %d: %v", i, st.Err())
		}
	}
	if p0.connects != 1 {
		t.Errorf("port connected %d times, want 1", p0.connects)
	}
}

func TestConnectFailure(t *testing.T) {
	p0 := &fakePort{openErr: errors.New("port held by someone else")}
	refs := []*spireg.Ref{refFor("SPI0.0", p0)}
	h := testHost(t, &refs)

	var dev host.Device
	d := &host.Descriptor{
		Name: packedName(t, "SPI0.0"),
		Probe: func(tok host.Device) host.Status {
			dev = tok
			return 0
		},
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if st := h.WriteThenRead(dev, []byte{1}, nil); st.Errno() != host.EIO {
		t.Errorf("got %v, want EIO", st.Errno())
	}
}

func TestRescanDeparture(t *testing.T) {
	p0 := &fakePort{}
	p1 := &fakePort{}
	refs := []*spireg.Ref{
		refFor("SPI0.0", p0),
		refFor("SPI0.1", p1),
	}
	h := testHost(t, &refs)

	var dev host.Device
	removed := 0
	d := &host.Descriptor{
		Name: packedName(t, "SPI0.0"),
		Probe: func(tok host.Device) host.Status {
			dev = tok
			return 0
		},
		Remove: func(tok host.Device) host.Status {
			if tok != dev {
				t.Errorf("remove got device %d, want %d", tok, dev)
			}
			removed++
			return 0
		},
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if st := h.WriteThenRead(dev, []byte{1}, nil); st != 0 {
		t.Fatalf("transfer: %v", st.Err())
	}

	refs = refs[1:]
	if err := h.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if removed != 1 {
		t.Errorf("remove ran %d times, want 1", removed)
	}
	if !p0.closed {
		t.Errorf("departed port left open")
	}
	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].Node != "SPI0.1" {
		t.Errorf("Snapshot after departure = %+v", snap)
	}
	if st := h.WriteThenRead(dev, []byte{1}, nil); st.Errno() != host.ENODEV {
		t.Errorf("transfer to departed device: got %v, want ENODEV", st.Errno())
	}
}

func TestCloseShutsDown(t *testing.T) {
	p0 := &fakePort{}
	refs := []*spireg.Ref{refFor("SPI0.0", p0)}
	h := testHost(t, &refs)

	var dev host.Device
	shutdowns := 0
	d := &host.Descriptor{
		Name: packedName(t, "SPI0.0"),
		Probe: func(tok host.Device) host.Status {
			dev = tok
			return 0
		},
		Shutdown: func(host.Device) { shutdowns++ },
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if st := h.WriteThenRead(dev, []byte{1}, nil); st != 0 {
		t.Fatalf("transfer: %v", st.Err())
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if shutdowns != 1 {
		t.Errorf("shutdown ran %d times, want 1", shutdowns)
	}
	if !p0.closed {
		t.Errorf("Close left the port open")
	}
	if st := h.WriteThenRead(dev, []byte{1}, nil); st.Errno() != host.ESHUTDOWN {
		t.Errorf("transfer after close: got %v, want ESHUTDOWN", st.Errno())
	}
	if st := h.RegisterDriver(nil, d); st.Errno() != host.ESHUTDOWN {
		t.Errorf("register after close: got %v, want ESHUTDOWN", st.Errno())
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// TestPlaybackPort drives the host against spitest's recorded-exchange
// port, the same harness periph drivers test with.
func TestPlaybackPort(t *testing.T) {
	playback := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x06}, R: nil},
				{W: nil, R: []byte{0x1E, 0x71}},
			},
			DontPanic: true,
		},
	}
	refs := []*spireg.Ref{{
		Name: "SPI2.0",
		Open: func() (spi.PortCloser, error) { return playback, nil },
	}}
	h := testHost(t, &refs)

	var dev host.Device
	d := &host.Descriptor{
		Name: packedName(t, "SPI2.0"),
		Probe: func(tok host.Device) host.Status {
			dev = tok
			return 0
		},
	}
	if st := h.RegisterDriver(nil, d); st != 0 {
		t.Fatalf("RegisterDriver: %v", st.Err())
	}
	if st := h.WriteThenRead(dev, []byte{0x06}, nil); st != 0 {
		t.Fatalf("write: %v", st.Err())
	}
	rx := make([]byte, 2)
	if st := h.WriteThenRead(dev, nil, rx); st != 0 {
		t.Fatalf("read: %v", st.Err())
	}
	if !bytes.Equal(rx, []byte{0x1E, 0x71}) {
		t.Errorf("rx = %x, want 1e71", rx)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
