//go:build (linux || darwin) && (amd64 || arm64)

// Package dl hosts drivers in an SPI subsystem implemented by a shared
// library. The library is loaded with dlopen and must export the spi_host
// entry points:
//
//	int32_t spi_host_register_driver(const struct spi_host_driver *drv);
//	void    spi_host_unregister_driver(const struct spi_host_driver *drv);
//	int32_t spi_host_write_then_read(void *dev,
//	                const uint8_t *tx, size_t tx_len,
//	                uint8_t *rx, size_t rx_len);
//
// Driver descriptors are marshaled into memory outside the Go heap (see
// abi.go for the structure layouts) and callback slots are bridged through
// pooled C-callable trampolines, so the foreign host can hold the
// descriptor and call back on its own threads for as long as the
// registration lives.
package dl

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/thinhost/spidrv/internal/host"
)

const (
	symRegister   = "spi_host_register_driver"
	symUnregister = "spi_host_unregister_driver"
	symTransfer   = "spi_host_write_then_read"
)

// Option adjusts a Host.
type Option func(*Host)

// WithLogger directs host logging to l instead of slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// foreignReg is the Go side of one live foreign registration. The callback
// values live here so the trampoline cells have stable pointers to retarget.
type foreignReg struct {
	block        *foreignBlock
	probe        host.Callback
	remove       host.Callback
	shutdown     host.VoidCallback
	probeCell    *statusCell
	removeCell   *statusCell
	shutdownCell *voidCell
}

// Host forwards the host contract to a dlopen'd SPI subsystem. Lifecycle
// callbacks arrive on whatever thread the foreign host dispatches from.
type Host struct {
	logger *slog.Logger
	path   string
	lib    uintptr

	registerFn   func(drv uintptr) int32
	unregisterFn func(drv uintptr)
	transferFn   func(dev uintptr, tx unsafe.Pointer, txLen uintptr, rx unsafe.Pointer, rxLen uintptr) int32

	mu     sync.Mutex
	regs   map[*host.Descriptor]*foreignReg
	closed bool
}

var _ host.Backend = (*Host)(nil)

// Open loads the host library at path and resolves its entry points.
func Open(path string, opts ...Option) (*Host, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("dl: open %s: %w", path, err)
	}
	for _, sym := range []string{symRegister, symUnregister, symTransfer} {
		if _, err := purego.Dlsym(lib, sym); err != nil {
			purego.Dlclose(lib)
			return nil, fmt.Errorf("dl: %s does not export %s: %w", path, sym, err)
		}
	}

	h := &Host{
		logger: slog.Default(),
		path:   path,
		lib:    lib,
		regs:   make(map[*host.Descriptor]*foreignReg),
	}
	for _, o := range opts {
		o(h)
	}
	purego.RegisterLibFunc(&h.registerFn, lib, symRegister)
	purego.RegisterLibFunc(&h.unregisterFn, lib, symUnregister)
	purego.RegisterLibFunc(&h.transferFn, lib, symTransfer)
	h.logger.Debug("loaded spi host library", "library", path)
	return h, nil
}

// RegisterDriver marshals the descriptor into foreign memory and submits it.
// Undeclared callback slots become NULL function pointers, so the foreign
// host applies its own defaults exactly as it would for a native driver.
func (h *Host) RegisterDriver(owner *host.ModuleInfo, d *host.Descriptor) host.Status {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return host.ESHUTDOWN.Status()
	}
	if d == nil || d.NameString() == "" {
		h.mu.Unlock()
		return host.EINVAL.Status()
	}
	if _, dup := h.regs[d]; dup {
		h.mu.Unlock()
		return host.EBUSY.Status()
	}
	h.mu.Unlock()

	reg := &foreignReg{probe: d.Probe, remove: d.Remove, shutdown: d.Shutdown}
	var probePtr, removePtr, shutdownPtr uintptr
	var err error
	if reg.probe != nil {
		if reg.probeCell, err = pool.getStatus(); err == nil {
			reg.probeCell.target.Store(&reg.probe)
			probePtr = reg.probeCell.ptr
		}
	}
	if err == nil && reg.remove != nil {
		if reg.removeCell, err = pool.getStatus(); err == nil {
			reg.removeCell.target.Store(&reg.remove)
			removePtr = reg.removeCell.ptr
		}
	}
	if err == nil && reg.shutdown != nil {
		if reg.shutdownCell, err = pool.getVoid(); err == nil {
			reg.shutdownCell.target.Store(&reg.shutdown)
			shutdownPtr = reg.shutdownCell.ptr
		}
	}
	if err == nil {
		reg.block, err = allocBlock(descriptorSize(len(d.IDTable)))
	}
	if err != nil {
		h.release(reg)
		h.logger.Warn("cannot stage foreign registration", "driver", d.NameString(), "err", err)
		return host.ENOMEM.Status()
	}
	writeDescriptor(reg.block.mem, d.Name, d.IDTable, probePtr, removePtr, shutdownPtr)

	// The foreign host may probe on its own threads before this returns.
	if st := host.Status(h.registerFn(reg.block.addr())); st != 0 {
		h.release(reg)
		return st
	}

	h.mu.Lock()
	if _, dup := h.regs[d]; dup {
		// Lost a race to another register of the same descriptor.
		h.mu.Unlock()
		h.unregisterFn(reg.block.addr())
		h.release(reg)
		return host.EBUSY.Status()
	}
	h.regs[d] = reg
	h.mu.Unlock()
	h.logger.Debug("registered driver with foreign host", "driver", d.NameString(), "library", h.path)
	return 0
}

// UnregisterDriver withdraws the descriptor from the foreign host. Remove
// callbacks the host issues for still-bound devices fire during this call;
// only afterwards are the trampolines retired and the descriptor memory
// unmapped.
func (h *Host) UnregisterDriver(d *host.Descriptor) {
	h.mu.Lock()
	reg, ok := h.regs[d]
	if ok {
		delete(h.regs, d)
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Error("unregister of unknown driver descriptor", "descriptor", fmt.Sprintf("%p", d))
		return
	}

	h.unregisterFn(reg.block.addr())
	h.release(reg)
	h.logger.Debug("unregistered driver from foreign host", "driver", d.NameString(), "library", h.path)
}

// WriteThenRead forwards one transaction. Empty buffers pass as NULL with
// zero length; the foreign host decides what an empty transaction means.
func (h *Host) WriteThenRead(dev host.Device, tx, rx []byte) host.Status {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return host.ESHUTDOWN.Status()
	}
	fn := h.transferFn
	h.mu.Unlock()

	var txPtr, rxPtr unsafe.Pointer
	if len(tx) > 0 {
		txPtr = unsafe.Pointer(&tx[0])
	}
	if len(rx) > 0 {
		rxPtr = unsafe.Pointer(&rx[0])
	}
	st := host.Status(fn(uintptr(dev), txPtr, uintptr(len(tx)), rxPtr, uintptr(len(rx))))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	return st
}

// Close withdraws any registrations still live and unloads the library.
// Live registrations at Close are a caller bug; they are logged as such
// before being withdrawn, because unloading under them would leave the
// foreign host with dangling descriptor pointers.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	regs := h.regs
	h.regs = make(map[*host.Descriptor]*foreignReg)
	h.mu.Unlock()

	for d, reg := range regs {
		h.logger.Warn("closing host with live registration", "driver", d.NameString())
		h.unregisterFn(reg.block.addr())
		h.release(reg)
	}
	if h.lib != 0 {
		if err := purego.Dlclose(h.lib); err != nil {
			return fmt.Errorf("dl: close %s: %w", h.path, err)
		}
		h.lib = 0
	}
	return nil
}

func (h *Host) release(reg *foreignReg) {
	pool.putStatus(reg.probeCell)
	pool.putStatus(reg.removeCell)
	pool.putVoid(reg.shutdownCell)
	reg.probeCell, reg.removeCell, reg.shutdownCell = nil, nil, nil
	if reg.block != nil {
		if err := reg.block.free(); err != nil {
			h.logger.Warn("cannot unmap descriptor block", "err", err)
		}
		reg.block = nil
	}
}
