// Package spidrv provides safe Go bindings for writing SPI device drivers
// against a host subsystem: the runtime that owns device discovery, driver
// matching, and the synchronous transfer engine. A Registration ties a
// driver to the host for exactly as long as the handle lives, and a Device
// issues transfers only for the duration of the lifecycle callback that
// delivered it. Host backends cover an in-process simulated host, the Linux
// spidev interface, periph.io ports, and host subsystems loaded from shared
// libraries.
package spidrv

import (
	"log/slog"

	"github.com/thinhost/spidrv/internal/host"
	"github.com/thinhost/spidrv/internal/host/factory"
	"github.com/thinhost/spidrv/internal/host/sim"
	"github.com/thinhost/spidrv/internal/spi"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Driver is the mandatory capability: Probe is called when the host binds a
// matching device.
type Driver = spi.Driver

// Remover is the optional unbind capability.
type Remover = spi.Remover

// Shutdowner is the optional host power-down capability.
type Shutdowner = spi.Shutdowner

// Device issues transfers on a bound device. It is valid only inside the
// lifecycle callback that delivered it.
type Device = spi.Device

// Registration ties a Driver to a host. It registers at most once and
// guarantees unregistration by the time Close returns.
type Registration = spi.Registration

// Config carries the identity a Registration presents to the host.
type Config = spi.Config

// RegistrationError reports a host's refusal to accept a driver.
type RegistrationError = spi.RegistrationError

// TransferError reports a host's refusal to run a transfer.
type TransferError = spi.TransferError

// Host is the entry-point contract a host subsystem provides.
type Host = host.Host

// Backend is a Host with releasable resources.
type Backend = host.Backend

// Enumerator is implemented by hosts that can list their devices.
type Enumerator = host.Enumerator

// DeviceInfo describes one device a host knows about.
type DeviceInfo = host.DeviceInfo

// DeviceToken is the host's opaque word-sized device reference.
type DeviceToken = host.Device

// ModuleInfo identifies the driver module to the host.
type ModuleInfo = host.ModuleInfo

// Errno is an errno-style error code using the host's numbering.
type Errno = host.Errno

// Status is a host entry-point result: zero on success, -errno on failure.
type Status = host.Status

// IDTable is the device identifier table a driver matches against.
type IDTable = host.IDTable

// IDEntry is one identifier in Go-friendly form, used to build an IDTable.
type IDEntry = host.IDEntry

// DeviceID is one fixed-layout identifier inside an IDTable.
type DeviceID = host.DeviceID

// InvalidTableError reports the first unusable entry in an identifier
// table.
type InvalidTableError = host.InvalidTableError

// SimHost is an in-process simulated host for tests and demos.
type SimHost = sim.Host

// SimModel answers transfers for one simulated device.
type SimModel = sim.Model

// SimCounters is the simulated host's call accounting.
type SimCounters = sim.Counters

// Echo is a simulated device that answers reads with the bytes most
// recently written to it.
type Echo = sim.Echo

// NORFlash is a simulated JEDEC NOR flash chip.
type NORFlash = sim.NORFlash

// NameSize is the fixed width of driver and device name buffers.
const NameSize = host.NameSize

// Errno values a driver returns from its callbacks to refuse a device or
// report failure. The numbering crosses the host boundary unchanged.
const (
	EPERM        = host.EPERM
	ENOENT       = host.ENOENT
	EIO          = host.EIO
	ENXIO        = host.ENXIO
	EAGAIN       = host.EAGAIN
	ENOMEM       = host.ENOMEM
	EACCES       = host.EACCES
	EFAULT       = host.EFAULT
	EBUSY        = host.EBUSY
	EEXIST       = host.EEXIST
	ENODEV       = host.ENODEV
	EINVAL       = host.EINVAL
	ENOSPC       = host.ENOSPC
	ENAMETOOLONG = host.ENAMETOOLONG
	ENOSYS       = host.ENOSYS
	EOPNOTSUPP   = host.EOPNOTSUPP
	ESHUTDOWN    = host.ESHUTDOWN
	ETIMEDOUT    = host.ETIMEDOUT
)

// Common sentinel errors.
var (
	ErrAlreadyRegistered = spi.ErrAlreadyRegistered
	ErrClosed            = spi.ErrClosed
	ErrStaleDevice       = spi.ErrStaleDevice

	// ErrBackendUnsupported indicates no host backend can serve this
	// platform. Use errors.Is(err, spidrv.ErrBackendUnsupported) to skip
	// hardware tests in CI.
	ErrBackendUnsupported = host.ErrBackendUnsupported
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New builds a registration for driver on h. Nothing reaches the host until
// Register is called. The driver's optional capabilities are discovered by
// interface assertion; a probe-only driver leaves the remove and shutdown
// slots empty.
func New(h Host, driver Driver, cfg Config) (*Registration, error) {
	return spi.New(h, driver, cfg)
}

// NewRegistered builds a registration and registers it in one step.
func NewRegistered(h Host, driver Driver, cfg Config) (*Registration, error) {
	return spi.NewRegistered(h, driver, cfg)
}

// FromRaw wraps a device token obtained outside the lifecycle callbacks,
// typically from an Enumerator snapshot. The returned device never goes
// stale; the host decides whether the token is still valid.
func FromRaw(h Host, raw DeviceToken) *Device {
	return spi.FromRaw(h, raw)
}

// NewIDTable validates entries and builds an identifier table.
func NewIDTable(entries []IDEntry) (IDTable, error) {
	return host.NewIDTable(entries)
}

// MustIDTable is NewIDTable for tables built from constants; it panics on a
// bad entry so the mistake surfaces at program start.
func MustIDTable(entries ...IDEntry) IDTable {
	return host.MustIDTable(entries...)
}

// OpenHost opens a host backend by name: "sim", "spidev", "periph", or
// "dl:<path>". The empty name selects the platform default.
func OpenHost(name string) (Backend, error) {
	return factory.OpenWithName(name)
}

// NewSimHost builds an empty powered-on simulated host. A nil logger falls
// back to slog.Default().
func NewSimHost(logger *slog.Logger) *SimHost {
	return sim.New(logger)
}

// NewNORFlash builds a simulated NOR flash of at least size bytes
// presenting the given JEDEC id, erased to 0xFF.
func NewNORFlash(size int, id [3]byte) *NORFlash {
	return sim.NewNORFlash(size, id)
}
