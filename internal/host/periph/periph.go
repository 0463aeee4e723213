// Package periph is a host backend over the periph.io port registry. It
// lets drivers written against the host contract run on any board periph
// supports, without the raw spidev plumbing.
//
// periph enumerates ports, not chips, so the mapping from port to device
// name comes from WithDevice declarations, the way a board file records
// what is soldered where. Ports with no declaration answer to their
// registry name.
package periph

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	phost "periph.io/x/host/v3"

	"github.com/thinhost/spidrv/internal/host"
)

// DefaultSpeed is the clock used when WithSpeed is not given.
const DefaultSpeed = physic.MegaHertz

// Option adjusts how ports are mapped and connected.
type Option func(*Host)

// WithLogger directs host logging to l instead of slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithSpeed sets the clock used when connecting ports.
func WithSpeed(f physic.Frequency) Option {
	return func(h *Host) { h.speed = f }
}

// WithMode sets the SPI mode used when connecting ports.
func WithMode(m spi.Mode) Option {
	return func(h *Host) { h.mode = m }
}

// WithBits sets the word size used when connecting ports.
func WithBits(bits int) Option {
	return func(h *Host) { h.bits = bits }
}

// WithDevice declares that the chip behind the periph port (or alias) port
// answers to name. Drivers then match against name instead of the port
// name.
func WithDevice(port, name string) Option {
	return func(h *Host) { h.names[port] = name }
}

type binding struct {
	desc  *host.Descriptor
	owner *host.ModuleInfo
}

type pdev struct {
	token host.Device
	name  string
	ref   *spireg.Ref
	bound *binding

	// mu guards lazy port setup and serializes transfers; periph conns
	// are not safe for concurrent Tx.
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
}

// Host adapts periph.io SPI ports to the host contract.
type Host struct {
	logger *slog.Logger
	speed  physic.Frequency
	mode   spi.Mode
	bits   int
	names  map[string]string
	ports  func() []*spireg.Ref

	// Same two-lock pattern as the other backends: dispatchMu serializes
	// lifecycle work, mu guards tables and is never held across a
	// callback or a port operation.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	drivers   []*binding
	devices   map[host.Device]*pdev
	byPort    map[string]*pdev
	nextToken host.Device
	closed    bool
}

var (
	_ host.Backend    = (*Host)(nil)
	_ host.Enumerator = (*Host)(nil)
)

var initOnce sync.Once

func newHost(ports func() []*spireg.Ref, opts ...Option) *Host {
	h := &Host{
		logger:    slog.Default(),
		speed:     DefaultSpeed,
		mode:      spi.Mode0,
		bits:      8,
		names:     make(map[string]string),
		ports:     ports,
		devices:   make(map[host.Device]*pdev),
		byPort:    make(map[string]*pdev),
		nextToken: 1,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Open loads the periph platform drivers and builds a host over the SPI
// ports they registered.
func Open(opts ...Option) (*Host, error) {
	var initErr error
	initOnce.Do(func() {
		_, initErr = phost.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("periph: init: %w", initErr)
	}
	h := newHost(spireg.All, opts...)
	if err := h.Rescan(); err != nil {
		return nil, err
	}
	return h, nil
}

// deviceName applies the WithDevice declarations to a registry ref.
func (h *Host) deviceName(ref *spireg.Ref) string {
	if name, ok := h.names[ref.Name]; ok {
		return name
	}
	for _, alias := range ref.Aliases {
		if name, ok := h.names[alias]; ok {
			return name
		}
	}
	return ref.Name
}

// RegisterDriver files the descriptor and probes it against the known
// ports.
func (h *Host) RegisterDriver(owner *host.ModuleInfo, d *host.Descriptor) host.Status {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return host.ESHUTDOWN.Status()
	}
	if d == nil || d.NameString() == "" {
		h.mu.Unlock()
		return host.EINVAL.Status()
	}
	for _, b := range h.drivers {
		if b.desc == d {
			h.mu.Unlock()
			return host.EBUSY.Status()
		}
		if b.desc.NameString() == d.NameString() {
			h.mu.Unlock()
			return host.EEXIST.Status()
		}
	}
	b := &binding{desc: d, owner: owner}
	h.drivers = append(h.drivers, b)
	var candidates []*pdev
	for _, dev := range h.sortedDevices() {
		if dev.bound != nil {
			continue
		}
		if _, ok := d.Match(dev.name); ok {
			candidates = append(candidates, dev)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("registered driver", "driver", d.NameString(), "ports", len(candidates))
	for _, dev := range candidates {
		h.probe(b, dev)
	}
	return 0
}

// UnregisterDriver unbinds the descriptor's ports, dispatching Remove where
// declared.
func (h *Host) UnregisterDriver(d *host.Descriptor) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	idx := -1
	for i, b := range h.drivers {
		if b.desc == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		h.logger.Error("unregister of unknown driver descriptor", "descriptor", fmt.Sprintf("%p", d))
		return
	}
	b := h.drivers[idx]
	h.drivers = append(h.drivers[:idx], h.drivers[idx+1:]...)
	var bound []*pdev
	for _, dev := range h.sortedDevices() {
		if dev.bound == b {
			bound = append(bound, dev)
		}
	}
	h.mu.Unlock()

	for _, dev := range bound {
		h.unbind(b, dev)
	}
	h.logger.Debug("unregistered driver", "driver", b.desc.NameString(), "ports", len(bound))
}

// WriteThenRead runs one transaction on the port. Both halves present
// become one TxPackets message with chip select held across the boundary;
// single halves go through plain Tx.
func (h *Host) WriteThenRead(tok host.Device, tx, rx []byte) host.Status {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return host.ESHUTDOWN.Status()
	}
	dev, ok := h.devices[tok]
	if !ok {
		h.mu.Unlock()
		return host.ENODEV.Status()
	}
	h.mu.Unlock()

	if len(tx) == 0 && len(rx) == 0 {
		return 0
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := h.connect(dev); err != nil {
		h.logger.Warn("cannot connect port", "port", dev.ref.Name, "err", err)
		return host.StatusFor(err)
	}
	var err error
	switch {
	case len(tx) > 0 && len(rx) > 0:
		err = dev.conn.TxPackets([]spi.Packet{
			{W: tx, KeepCS: true},
			{R: rx},
		})
	case len(tx) > 0:
		err = dev.conn.Tx(tx, nil)
	default:
		err = dev.conn.Tx(nil, rx)
	}
	if err != nil {
		h.logger.Debug("transfer failed", "port", dev.ref.Name, "err", err)
		return host.StatusFor(err)
	}
	return 0
}

// Rescan re-reads the port registry, probing drivers against new ports and
// dispatching Remove for ports that disappeared.
func (h *Host) Rescan() error {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("periph: rescan: %w", host.ESHUTDOWN)
	}
	h.mu.Unlock()

	seen := make(map[string]bool)
	for _, ref := range h.ports() {
		seen[ref.Name] = true

		h.mu.Lock()
		_, known := h.byPort[ref.Name]
		h.mu.Unlock()
		if known {
			continue
		}

		name := h.deviceName(ref)
		h.mu.Lock()
		dev := &pdev{token: h.nextToken, name: name, ref: ref}
		h.nextToken++
		h.devices[dev.token] = dev
		h.byPort[ref.Name] = dev
		drivers := append([]*binding(nil), h.drivers...)
		h.mu.Unlock()

		h.logger.Debug("discovered spi port", "port", ref.Name, "name", name, "device", dev.token)
		for _, b := range drivers {
			if _, ok := b.desc.Match(name); !ok {
				continue
			}
			if h.probe(b, dev) {
				break
			}
		}
	}

	h.mu.Lock()
	var gone []*pdev
	for port, dev := range h.byPort {
		if !seen[port] {
			gone = append(gone, dev)
		}
	}
	h.mu.Unlock()
	for _, dev := range gone {
		if dev.bound != nil {
			h.unbind(dev.bound, dev)
		}
		h.closePort(dev)
		h.mu.Lock()
		delete(h.devices, dev.token)
		delete(h.byPort, dev.ref.Name)
		h.mu.Unlock()
		h.logger.Debug("spi port departed", "port", dev.ref.Name)
	}
	return nil
}

// Close quiesces bound drivers through their shutdown slots and releases
// every open port.
func (h *Host) Close() error {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	devices := h.sortedDevices()
	h.devices = make(map[host.Device]*pdev)
	h.byPort = make(map[string]*pdev)
	h.drivers = nil
	h.mu.Unlock()

	for _, dev := range devices {
		if dev.bound != nil && dev.bound.desc.Shutdown != nil {
			dev.bound.desc.Shutdown(dev.token)
		}
		h.closePort(dev)
	}
	h.logger.Debug("closed periph host", "ports", len(devices))
	return nil
}

// Snapshot lists the known ports in token order.
func (h *Host) Snapshot() []host.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.DeviceInfo, 0, len(h.devices))
	for _, dev := range h.sortedDevices() {
		info := host.DeviceInfo{Token: dev.token, Name: dev.name, Node: dev.ref.Name}
		if dev.bound != nil {
			info.Driver = dev.bound.desc.NameString()
		}
		out = append(out, info)
	}
	return out
}

// connect opens and connects the port on first use. Caller holds dev.mu.
func (h *Host) connect(dev *pdev) error {
	if dev.conn != nil {
		return nil
	}
	port, err := dev.ref.Open()
	if err != nil {
		return fmt.Errorf("periph: open port %s: %w", dev.ref.Name, err)
	}
	conn, err := port.Connect(h.speed, h.mode, h.bits)
	if err != nil {
		port.Close()
		return fmt.Errorf("periph: connect port %s: %w", dev.ref.Name, err)
	}
	dev.port = port
	dev.conn = conn
	return nil
}

func (h *Host) closePort(dev *pdev) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.port != nil {
		if err := dev.port.Close(); err != nil {
			h.logger.Warn("closing port", "port", dev.ref.Name, "err", err)
		}
		dev.port = nil
		dev.conn = nil
	}
}

func (h *Host) probe(b *binding, dev *pdev) bool {
	if b.desc.Probe == nil {
		h.mu.Lock()
		dev.bound = b
		h.mu.Unlock()
		return true
	}
	st := b.desc.Probe(dev.token)
	if st != 0 {
		h.logger.Debug("probe declined port",
			"driver", b.desc.NameString(), "port", dev.ref.Name, "errno", st.Errno().Name())
		return false
	}
	h.mu.Lock()
	dev.bound = b
	h.mu.Unlock()
	return true
}

func (h *Host) unbind(b *binding, dev *pdev) {
	if b.desc.Remove != nil {
		if st := b.desc.Remove(dev.token); st != 0 {
			h.logger.Warn("remove failed, unbinding anyway",
				"driver", b.desc.NameString(), "port", dev.ref.Name, "errno", st.Errno().Name())
		}
	}
	h.mu.Lock()
	dev.bound = nil
	h.mu.Unlock()
}

// sortedDevices returns the port table in token order. Caller holds mu.
func (h *Host) sortedDevices() []*pdev {
	out := make([]*pdev, 0, len(h.devices))
	for _, dev := range h.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].token < out[j].token })
	return out
}
