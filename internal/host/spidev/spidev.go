// Package spidev is a Linux host backend that drives real SPI devices
// through the kernel's spidev character-device interface.
//
// Devices come from sysfs: every entry under /sys/bus/spi/devices whose
// modalias has the form "spi:<name>" and whose /dev/spidevB.C node can be
// opened is eligible. Matching and lifecycle dispatch follow the same rules
// as the simulated host. A transfer becomes one SPI_IOC_MESSAGE ioctl with
// the write and read halves submitted as a single message, which keeps both
// inside one chip-select window.
package spidev

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/thinhost/spidrv/internal/host"
)

const (
	// DefaultSysfsRoot is where the kernel publishes SPI devices.
	DefaultSysfsRoot = "/sys/bus/spi/devices"

	// DefaultDevRoot is where spidev character nodes appear.
	DefaultDevRoot = "/dev"
)

// nodeConn is one open spidev node. The production implementation wraps the
// character device; tests substitute a recorder.
type nodeConn interface {
	transfer(tx, rx []byte) error
	close() error
}

type nodeConfig struct {
	speedHz  uint32
	mode     uint8
	bits     uint8
	setSpeed bool
	setMode  bool
	setBits  bool
}

// Option adjusts how the host scans and configures device nodes.
type Option func(*Host)

// WithLogger directs host logging to l instead of slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithSysfsRoot overrides the sysfs directory scanned for devices.
func WithSysfsRoot(dir string) Option {
	return func(h *Host) { h.sysfsRoot = dir }
}

// WithDevRoot overrides the directory holding spidev nodes.
func WithDevRoot(dir string) Option {
	return func(h *Host) { h.devRoot = dir }
}

// WithSpeed sets the maximum clock applied to every opened node, in hertz.
func WithSpeed(hz uint32) Option {
	return func(h *Host) { h.cfg.speedHz = hz; h.cfg.setSpeed = true }
}

// WithMode sets the SPI mode (0 through 3) applied to every opened node.
func WithMode(mode uint8) Option {
	return func(h *Host) { h.cfg.mode = mode; h.cfg.setMode = true }
}

// WithBitsPerWord sets the word size applied to every opened node.
func WithBitsPerWord(bits uint8) Option {
	return func(h *Host) { h.cfg.bits = bits; h.cfg.setBits = true }
}

type binding struct {
	desc  *host.Descriptor
	owner *host.ModuleInfo
}

type spidevice struct {
	token host.Device
	entry string // sysfs entry, "spi0.0"
	name  string // modalias device name
	node  nodeConn
	bound *binding
}

// Host drives spidev nodes discovered from sysfs.
type Host struct {
	logger    *slog.Logger
	sysfsRoot string
	devRoot   string
	cfg       nodeConfig
	openNode  func(path string) (nodeConn, error)

	// dispatchMu serializes scans and lifecycle dispatch; mu guards the
	// tables and is never held across a callback or an ioctl.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	drivers   []*binding
	devices   map[host.Device]*spidevice
	byEntry   map[string]*spidevice
	nextToken host.Device
	closed    bool
}

var (
	_ host.Backend    = (*Host)(nil)
	_ host.Enumerator = (*Host)(nil)
)

func newHost(open func(path string) (nodeConn, error), opts ...Option) *Host {
	h := &Host{
		logger:    slog.Default(),
		sysfsRoot: DefaultSysfsRoot,
		devRoot:   DefaultDevRoot,
		openNode:  open,
		devices:   make(map[host.Device]*spidevice),
		byEntry:   make(map[string]*spidevice),
		nextToken: 1,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterDriver files the descriptor and probes it against the devices the
// last scan found. Call Rescan to pick up devices that appeared since.
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
	var candidates []*spidevice
	for _, dev := range h.sortedDevices() {
		if dev.bound != nil {
			continue
		}
		if _, ok := d.Match(dev.name); ok {
			candidates = append(candidates, dev)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("registered driver", "driver", d.NameString(), "devices", len(candidates))
	for _, dev := range candidates {
		h.probe(b, dev)
	}
	return 0
}

// UnregisterDriver unbinds the descriptor's devices, dispatching Remove
// where declared, and forgets the registration. Unknown descriptors are
// logged and ignored.
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
	var bound []*spidevice
	for _, dev := range h.sortedDevices() {
		if dev.bound == b {
			bound = append(bound, dev)
		}
	}
	h.mu.Unlock()

	for _, dev := range bound {
		h.unbind(b, dev)
	}
	h.logger.Debug("unregistered driver", "driver", b.desc.NameString(), "devices", len(bound))
}

// WriteThenRead submits one message on the device node. An empty transfer
// succeeds without touching the node; the device being present is the
// liveness signal here.
func (h *Host) WriteThenRead(dev host.Device, tx, rx []byte) host.Status {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return host.ESHUTDOWN.Status()
	}
	d, ok := h.devices[dev]
	if !ok {
		h.mu.Unlock()
		return host.ENODEV.Status()
	}
	node := d.node
	h.mu.Unlock()

	if len(tx) == 0 && len(rx) == 0 {
		return 0
	}
	if err := node.transfer(tx, rx); err != nil {
		return host.StatusFor(err)
	}
	return 0
}

// Rescan re-reads sysfs, probing registered drivers against new devices and
// dispatching Remove for devices that disappeared.
func (h *Host) Rescan() error {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	return h.rescan()
}

// Close quiesces bound drivers through their shutdown slots, closes every
// device node, and makes all further operations fail with ESHUTDOWN.
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
	h.devices = make(map[host.Device]*spidevice)
	h.byEntry = make(map[string]*spidevice)
	h.drivers = nil
	h.mu.Unlock()

	for _, dev := range devices {
		if dev.bound != nil && dev.bound.desc.Shutdown != nil {
			dev.bound.desc.Shutdown(dev.token)
		}
		if err := dev.node.close(); err != nil {
			h.logger.Warn("closing spidev node", "entry", dev.entry, "err", err)
		}
	}
	h.logger.Debug("closed spidev host", "devices", len(devices))
	return nil
}

// Snapshot lists the devices found by the last scan, in token order.
func (h *Host) Snapshot() []host.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.DeviceInfo, 0, len(h.devices))
	for _, dev := range h.sortedDevices() {
		info := host.DeviceInfo{Token: dev.token, Name: dev.name, Node: dev.entry}
		if dev.bound != nil {
			info.Driver = dev.bound.desc.NameString()
		}
		out = append(out, info)
	}
	return out
}

// rescan does the sysfs diff. Caller holds dispatchMu.
func (h *Host) rescan() error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("spidev: rescan: %w", host.ESHUTDOWN)
	}

	entries, err := os.ReadDir(h.sysfsRoot)
	if err != nil {
		return fmt.Errorf("spidev: scan %s: %w", h.sysfsRoot, err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		bus, cs, ok := parseNodeName(name)
		if !ok {
			continue
		}
		seen[name] = true

		h.mu.Lock()
		_, known := h.byEntry[name]
		h.mu.Unlock()
		if known {
			continue
		}

		devName, err := readModalias(filepath.Join(h.sysfsRoot, name, "modalias"))
		if err != nil {
			h.logger.Debug("skipping device", "entry", name, "err", err)
			continue
		}
		nodePath := filepath.Join(h.devRoot, fmt.Sprintf("spidev%d.%d", bus, cs))
		node, err := h.openNode(nodePath)
		if err != nil {
			h.logger.Warn("cannot open spidev node", "entry", name, "path", nodePath, "err", err)
			continue
		}

		h.mu.Lock()
		dev := &spidevice{token: h.nextToken, entry: name, name: devName, node: node}
		h.nextToken++
		h.devices[dev.token] = dev
		h.byEntry[name] = dev
		drivers := append([]*binding(nil), h.drivers...)
		h.mu.Unlock()

		h.logger.Debug("discovered spi device", "entry", name, "name", devName, "device", dev.token)
		for _, b := range drivers {
			if _, ok := b.desc.Match(devName); !ok {
				continue
			}
			if h.probe(b, dev) {
				break
			}
		}
	}

	// Departures: dispatch Remove, close the node, forget the device.
	h.mu.Lock()
	var gone []*spidevice
	for entry, dev := range h.byEntry {
		if !seen[entry] {
			gone = append(gone, dev)
		}
	}
	h.mu.Unlock()
	for _, dev := range gone {
		if dev.bound != nil {
			h.unbind(dev.bound, dev)
		}
		if err := dev.node.close(); err != nil {
			h.logger.Warn("closing spidev node", "entry", dev.entry, "err", err)
		}
		h.mu.Lock()
		delete(h.devices, dev.token)
		delete(h.byEntry, dev.entry)
		h.mu.Unlock()
		h.logger.Debug("spi device departed", "entry", dev.entry, "device", dev.token)
	}
	return nil
}

// probe dispatches the probe slot and binds the device on success. A nil
// slot binds without a callback. Reports whether the device ended up bound.
func (h *Host) probe(b *binding, dev *spidevice) bool {
	if b.desc.Probe == nil {
		h.mu.Lock()
		dev.bound = b
		h.mu.Unlock()
		return true
	}
	st := b.desc.Probe(dev.token)
	if st != 0 {
		h.logger.Debug("probe declined device",
			"driver", b.desc.NameString(), "entry", dev.entry, "errno", st.Errno().Name())
		return false
	}
	h.mu.Lock()
	dev.bound = b
	h.mu.Unlock()
	return true
}

func (h *Host) unbind(b *binding, dev *spidevice) {
	if b.desc.Remove != nil {
		if st := b.desc.Remove(dev.token); st != 0 {
			h.logger.Warn("remove failed, unbinding anyway",
				"driver", b.desc.NameString(), "entry", dev.entry, "errno", st.Errno().Name())
		}
	}
	h.mu.Lock()
	dev.bound = nil
	h.mu.Unlock()
}

// sortedDevices returns the device table in token order. Caller holds mu.
func (h *Host) sortedDevices() []*spidevice {
	out := make([]*spidevice, 0, len(h.devices))
	for _, dev := range h.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].token < out[j].token })
	return out
}

// parseNodeName splits a sysfs entry like "spi3.1" into bus and chip
// select.
func parseNodeName(name string) (bus, cs int, ok bool) {
	rest, found := strings.CutPrefix(name, "spi")
	if !found {
		return 0, 0, false
	}
	busStr, csStr, found := strings.Cut(rest, ".")
	if !found {
		return 0, 0, false
	}
	bus, err := strconv.Atoi(busStr)
	if err != nil {
		return 0, 0, false
	}
	cs, err = strconv.Atoi(csStr)
	if err != nil {
		return 0, 0, false
	}
	return bus, cs, true
}

// readModalias extracts the device name from a sysfs modalias file. Only
// the "spi:" alias class names a device this host can drive.
func readModalias(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	alias := strings.TrimSpace(string(raw))
	name, ok := strings.CutPrefix(alias, "spi:")
	if !ok || name == "" {
		return "", fmt.Errorf("modalias %q is not an spi device", alias)
	}
	return name, nil
}

// iocTransfer mirrors struct spi_ioc_transfer from linux/spi/spidev.h.
// The layout is part of the kernel ABI; see TestTransferABI.
type iocTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// transferSegments builds the message for one write-then-read transaction.
// Zero-length halves are omitted; csChange stays clear so chip select holds
// across the whole message.
func transferSegments(tx, rx []byte) []iocTransfer {
	segs := make([]iocTransfer, 0, 2)
	if len(tx) > 0 {
		segs = append(segs, iocTransfer{
			txBuf:  uint64(uintptr(unsafe.Pointer(&tx[0]))),
			length: uint32(len(tx)),
		})
	}
	if len(rx) > 0 {
		segs = append(segs, iocTransfer{
			rxBuf:  uint64(uintptr(unsafe.Pointer(&rx[0]))),
			length: uint32(len(rx)),
		})
	}
	return segs
}

// spidev ioctl requests, computed the way linux/spi/spidev.h does.
const (
	iocWrite    = 1
	spiIOCMagic = 'k'
)

func ioW(nr uint8, size uintptr) uintptr {
	return iocWrite<<30 | size<<16 | spiIOCMagic<<8 | uintptr(nr)
}

// msgRequest returns SPI_IOC_MESSAGE(n).
func msgRequest(n int) uintptr {
	return ioW(0, uintptr(n)*unsafe.Sizeof(iocTransfer{}))
}

var (
	spiIOCWrMode        = ioW(1, 1)
	spiIOCWrBitsPerWord = ioW(3, 1)
	spiIOCWrMaxSpeedHz  = ioW(4, 4)
)
