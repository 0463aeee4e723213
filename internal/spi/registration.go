package spi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/thinhost/spidrv/internal/host"
)

// Registration owns one driver's slot in a host. It is created unregistered,
// goes live with Register, and is withdrawn with Close, after which it is
// spent; there is no way back to the live state.
//
// The host keeps a pointer to the registration's descriptor between Register
// and Close, so a Registration must not be copied. It holds a mutex, which
// lets vet's copylocks check enforce that.
type Registration struct {
	host       host.Host
	logger     *slog.Logger
	name       string
	module     *host.ModuleInfo
	driver     Driver
	remover    Remover
	shutdowner Shutdowner

	// desc is held by value so its lifetime is exactly the registration's
	// lifetime. It is populated in New and never modified afterwards.
	desc host.Descriptor

	mu         sync.Mutex
	registered bool
	closed     bool
}

// New builds a registration for driver on h. The descriptor slots are
// filled from the interfaces the driver implements: Probe always, Remove
// only for a Remover, Shutdown only for a Shutdowner. Slots for undeclared
// capabilities stay nil so the host applies its default behavior instead of
// calling into the driver.
//
// New does not talk to the host; nothing happens until Register.
func New(h host.Host, driver Driver, cfg Config) (*Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("spi: nil host")
	}
	if driver == nil {
		return nil, fmt.Errorf("spi: nil driver")
	}
	if cfg.Module == nil {
		return nil, fmt.Errorf("spi: registration %q: missing module info", cfg.Name)
	}
	name, err := host.PackName(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("spi: driver name: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registration{
		host:   h,
		logger: logger,
		name:   cfg.Name,
		module: cfg.Module,
		driver: driver,
	}
	r.desc = host.Descriptor{
		Name:    name,
		IDTable: cfg.IDTable,
		Probe:   r.probe,
	}
	if rem, ok := driver.(Remover); ok {
		r.remover = rem
		r.desc.Remove = r.remove
	}
	if sd, ok := driver.(Shutdowner); ok {
		r.shutdowner = sd
		r.desc.Shutdown = r.shutdown
	}
	return r, nil
}

// NewRegistered builds a registration and registers it in one step, so the
// caller holds either an active handle or nothing.
func NewRegistered(h host.Host, driver Driver, cfg Config) (*Registration, error) {
	r, err := New(h, driver, cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Register(); err != nil {
		return nil, err
	}
	return r, nil
}

// Name returns the driver name the registration was built with.
func (r *Registration) Name() string { return r.name }

// Registered reports whether the registration is currently live.
func (r *Registration) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// Register submits the descriptor to the host. On success the host may
// start invoking lifecycle callbacks before Register returns. Registering
// twice fails with ErrAlreadyRegistered; registering after Close fails with
// ErrClosed; a host refusal surfaces as *RegistrationError.
func (r *Registration) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.registered {
		return ErrAlreadyRegistered
	}
	if st := r.host.RegisterDriver(r.module, &r.desc); st != 0 {
		return &RegistrationError{Name: r.name, Code: st.Errno()}
	}
	r.registered = true
	r.logger.Debug("registered spi driver", "driver", r.name)
	return nil
}

// Close withdraws the registration if it is live and marks it spent. It is
// idempotent and always returns nil; it exists so a Registration satisfies
// io.Closer and slots into defer chains.
//
// Close blocks until the host has finished unbinding, which includes any
// Remove callbacks the host issues for still-bound devices.
func (r *Registration) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.registered {
		r.host.UnregisterDriver(&r.desc)
		r.registered = false
		r.logger.Debug("unregistered spi driver", "driver", r.name)
	}
	return nil
}

// probe, remove and shutdown are the descriptor trampolines. They run on
// whatever goroutine the host dispatches callbacks from, build a
// callback-scoped Device, and translate the driver's error into the host
// status convention. They take no locks; everything they touch is frozen
// after New.

func (r *Registration) probe(raw host.Device) host.Status {
	dev := newDevice(r.host, raw)
	defer dev.invalidate()
	if err := r.driver.Probe(dev); err != nil {
		return r.status("probe", raw, err)
	}
	return 0
}

func (r *Registration) remove(raw host.Device) host.Status {
	dev := newDevice(r.host, raw)
	defer dev.invalidate()
	if err := r.remover.Remove(dev); err != nil {
		return r.status("remove", raw, err)
	}
	return 0
}

func (r *Registration) shutdown(raw host.Device) {
	dev := newDevice(r.host, raw)
	defer dev.invalidate()
	if err := r.shutdowner.Shutdown(dev); err != nil {
		// The shutdown slot returns nothing, so this is the only place
		// the failure can surface.
		r.logger.Warn("spi shutdown failed", "driver", r.name, "device", raw, "err", err)
	}
}

// status converts a driver error into the host status convention. Errors
// carrying a host.Errno anywhere in their chain keep their code; anything
// else degrades to EIO, with a log line so the original error is not lost.
func (r *Registration) status(op string, raw host.Device, err error) host.Status {
	var e host.Errno
	if errors.As(err, &e) && e != 0 {
		return e.Status()
	}
	r.logger.Warn("spi driver error carries no errno", "driver", r.name, "op", op, "device", raw, "err", err)
	return host.EIO.Status()
}
