// Package sim provides an in-process SPI host. It implements the full host
// contract against simulated devices, which makes driver code testable on
// any machine and any operating system.
//
// Devices are behavioral models (see Model); the host owns matching,
// lifecycle dispatch, and transfer routing, and exposes fault injection and
// call counters so tests can script host behavior and observe driver
// behavior.
//
// Lifecycle callbacks are dispatched synchronously from AddDevice,
// RemoveDevice, RegisterDriver, UnregisterDriver and PowerOff, one at a
// time. A callback may perform transfers, but must not call back into the
// lifecycle methods of the host that invoked it.
package sim

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/thinhost/spidrv/internal/host"
)

// Model is the behavior of one simulated device. Transact handles a single
// half-duplex transaction: consume tx, fill rx. A nil return reports
// success; an error carrying a host.Errno keeps its code and any other
// error degrades to EIO.
type Model interface {
	Transact(tx, rx []byte) error
}

// Counters is a snapshot of how often the host crossed each contract point.
type Counters struct {
	Registers     int
	Unregisters   int
	Probes        int
	ProbeFailures int
	Removes       int
	Shutdowns     int
	Transfers     int
}

type driverState struct {
	desc  *host.Descriptor
	owner *host.ModuleInfo
}

type device struct {
	token host.Device
	name  string
	model Model
	bound *driverState

	// forced, when nonzero, replaces the outcome of every transfer.
	forced host.Status
}

// Host is a simulated SPI host subsystem.
type Host struct {
	logger *slog.Logger

	// dispatchMu serializes lifecycle operations end to end, including
	// the callbacks they trigger. mu guards the tables and is never held
	// across a callback, so callbacks are free to transfer.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	drivers      []*driverState
	devices      map[host.Device]*device
	nextToken    host.Device
	counters     Counters
	failRegister host.Errno
	poweredOff   bool
}

var (
	_ host.Backend    = (*Host)(nil)
	_ host.Enumerator = (*Host)(nil)
)

// New returns an empty powered-on host. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		logger:    logger,
		devices:   make(map[host.Device]*device),
		nextToken: 1,
	}
}

// RegisterDriver files the descriptor and immediately probes every unbound
// device it matches, in device-creation order. Descriptors are rejected
// with EEXIST when another live driver already uses the name and with EBUSY
// when the same descriptor is filed twice.
func (h *Host) RegisterDriver(owner *host.ModuleInfo, d *host.Descriptor) host.Status {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.failRegister != 0 {
		e := h.failRegister
		h.failRegister = 0
		h.mu.Unlock()
		return e.Status()
	}
	if h.poweredOff {
		h.mu.Unlock()
		return host.ESHUTDOWN.Status()
	}
	if d == nil {
		h.mu.Unlock()
		return host.EINVAL.Status()
	}
	name := d.NameString()
	if name == "" {
		h.mu.Unlock()
		return host.EINVAL.Status()
	}
	for _, ds := range h.drivers {
		if ds.desc == d {
			h.mu.Unlock()
			return host.EBUSY.Status()
		}
		if ds.desc.NameString() == name {
			h.mu.Unlock()
			return host.EEXIST.Status()
		}
	}
	ds := &driverState{desc: d, owner: owner}
	h.drivers = append(h.drivers, ds)
	h.counters.Registers++
	candidates := h.unboundMatches(ds)
	h.mu.Unlock()

	h.logger.Debug("registered driver", "driver", name, "devices", len(candidates))
	for _, dev := range candidates {
		h.probe(ds, dev)
	}
	return 0
}

// UnregisterDriver unbinds every device held by the descriptor, invoking
// Remove where the driver declared it, and drops the registration. An
// unknown descriptor is a caller bug; it is logged loudly and otherwise
// ignored, matching the entry point's no-fail shape.
func (h *Host) UnregisterDriver(d *host.Descriptor) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	idx := -1
	for i, ds := range h.drivers {
		if ds.desc == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		h.logger.Error("unregister of unknown driver descriptor", "descriptor", fmt.Sprintf("%p", d))
		return
	}
	ds := h.drivers[idx]
	h.drivers = append(h.drivers[:idx], h.drivers[idx+1:]...)
	h.counters.Unregisters++
	var bound []*device
	for _, dev := range h.sortedDevices() {
		if dev.bound == ds {
			bound = append(bound, dev)
		}
	}
	h.mu.Unlock()

	for _, dev := range bound {
		h.unbind(ds, dev)
	}
	h.logger.Debug("unregistered driver", "driver", ds.desc.NameString(), "devices", len(bound))
}

// WriteThenRead routes one transaction to the device model. Unknown tokens
// report ENODEV; after PowerOff every transfer reports ESHUTDOWN.
func (h *Host) WriteThenRead(dev host.Device, tx, rx []byte) host.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.poweredOff {
		return host.ESHUTDOWN.Status()
	}
	d, ok := h.devices[dev]
	if !ok {
		return host.ENODEV.Status()
	}
	if d.forced != 0 {
		return d.forced
	}
	h.counters.Transfers++
	if err := d.model.Transact(tx, rx); err != nil {
		return host.StatusFor(err)
	}
	return 0
}

// AddDevice creates a simulated device and offers it to the registered
// drivers in registration order until one accepts it. The returned token
// stays valid until RemoveDevice.
func (h *Host) AddDevice(name string, model Model) (host.Device, error) {
	if _, err := host.PackName(name); err != nil {
		return 0, err
	}
	if model == nil {
		return 0, fmt.Errorf("sim: device %q: nil model", name)
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.poweredOff {
		h.mu.Unlock()
		return 0, host.ESHUTDOWN
	}
	dev := &device{token: h.nextToken, name: name, model: model}
	h.nextToken++
	h.devices[dev.token] = dev
	drivers := append([]*driverState(nil), h.drivers...)
	h.mu.Unlock()

	h.logger.Debug("added device", "device", dev.token, "name", name)
	for _, ds := range drivers {
		if _, ok := ds.desc.Match(name); !ok {
			continue
		}
		if h.probe(ds, dev) {
			break
		}
	}
	return dev.token, nil
}

// RemoveDevice tears down one device, dispatching Remove to its bound
// driver first.
func (h *Host) RemoveDevice(tok host.Device) error {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	dev, ok := h.devices[tok]
	if !ok {
		h.mu.Unlock()
		return host.ENODEV
	}
	ds := dev.bound
	h.mu.Unlock()

	if ds != nil {
		h.unbind(ds, dev)
	}
	h.mu.Lock()
	delete(h.devices, tok)
	h.mu.Unlock()
	h.logger.Debug("removed device", "device", tok, "name", dev.name)
	return nil
}

// Close powers the host off. A simulated host holds nothing else to
// release, so Close never fails.
func (h *Host) Close() error {
	h.PowerOff()
	return nil
}

// PowerOff dispatches Shutdown to every bound driver that declared it and
// then refuses all further work with ESHUTDOWN. There is no power-on.
func (h *Host) PowerOff() {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.poweredOff {
		h.mu.Unlock()
		return
	}
	h.poweredOff = true
	var targets []*device
	for _, dev := range h.sortedDevices() {
		if dev.bound != nil && dev.bound.desc.Shutdown != nil {
			targets = append(targets, dev)
		}
	}
	h.mu.Unlock()

	for _, dev := range targets {
		dev.bound.desc.Shutdown(dev.token)
		h.mu.Lock()
		h.counters.Shutdowns++
		h.mu.Unlock()
	}
	h.logger.Debug("powered off", "shutdowns", len(targets))
}

// FailNextRegister makes the next RegisterDriver call fail with e, once.
func (h *Host) FailNextRegister(e host.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failRegister = e
}

// FailTransfers forces every transfer on tok to report e until cleared with
// e == 0. The forced status bypasses the device model entirely.
func (h *Host) FailTransfers(tok host.Device, e host.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dev, ok := h.devices[tok]; ok {
		dev.forced = e.Status()
	}
}

// Counters returns a copy of the call counters.
func (h *Host) Counters() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

// Bound reports the name of the driver bound to tok.
func (h *Host) Bound(tok host.Device) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[tok]
	if !ok || dev.bound == nil {
		return "", false
	}
	return dev.bound.desc.NameString(), true
}

// Snapshot lists the simulated devices in token order.
func (h *Host) Snapshot() []host.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.DeviceInfo, 0, len(h.devices))
	for _, dev := range h.sortedDevices() {
		info := host.DeviceInfo{Token: dev.token, Name: dev.name}
		if dev.bound != nil {
			info.Driver = dev.bound.desc.NameString()
		}
		out = append(out, info)
	}
	return out
}

// probe dispatches the probe slot for one driver/device pair and binds the
// device on success. A nil probe slot binds without a callback; the driver
// declared no probe interest, and the host default is to accept the match.
// Reports whether the device ended up bound.
func (h *Host) probe(ds *driverState, dev *device) bool {
	if ds.desc.Probe == nil {
		h.mu.Lock()
		dev.bound = ds
		h.mu.Unlock()
		return true
	}
	st := ds.desc.Probe(dev.token)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters.Probes++
	if st != 0 {
		h.counters.ProbeFailures++
		h.logger.Debug("probe declined device",
			"driver", ds.desc.NameString(), "device", dev.token, "errno", st.Errno().Name())
		return false
	}
	dev.bound = ds
	return true
}

// unbind dispatches the remove slot, if declared, and clears the binding.
// A remove failure cannot stop the unbind; it is logged and the device is
// released anyway.
func (h *Host) unbind(ds *driverState, dev *device) {
	if ds.desc.Remove != nil {
		st := ds.desc.Remove(dev.token)
		h.mu.Lock()
		h.counters.Removes++
		h.mu.Unlock()
		if st != 0 {
			h.logger.Warn("remove failed, unbinding anyway",
				"driver", ds.desc.NameString(), "device", dev.token, "errno", st.Errno().Name())
		}
	}
	h.mu.Lock()
	dev.bound = nil
	h.mu.Unlock()
}

// unboundMatches returns the unbound devices ds matches, in token order.
// Caller holds mu.
func (h *Host) unboundMatches(ds *driverState) []*device {
	var out []*device
	for _, dev := range h.sortedDevices() {
		if dev.bound != nil {
			continue
		}
		if _, ok := ds.desc.Match(dev.name); ok {
			out = append(out, dev)
		}
	}
	return out
}

// sortedDevices returns the device table in token order. Caller holds mu.
func (h *Host) sortedDevices() []*device {
	out := make([]*device, 0, len(h.devices))
	for _, dev := range h.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].token < out[j].token })
	return out
}

