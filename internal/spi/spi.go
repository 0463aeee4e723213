// Package spi binds Go drivers to an SPI host subsystem.
//
// A driver implements Probe and optionally Remove and Shutdown, describes
// the devices it claims with an identifier table, and registers through a
// Registration. The host invokes the lifecycle methods with a Device handle
// that is valid for the duration of the call; transfers on that handle go
// back through the host's synchronous transfer engine.
//
// The package translates between Go errors and the host's integer statuses
// at the registration boundary, so drivers never see raw status codes and
// hosts never see Go error values.
package spi

import (
	"log/slog"

	"github.com/thinhost/spidrv/internal/host"
)

// Driver is the minimum a driver provides. Probe is invoked once for every
// device the host matches against the driver's identifier table; returning
// nil binds the device, returning an error declines it.
type Driver interface {
	Probe(dev *Device) error
}

// Remover is implemented by drivers that want to release per-device state
// when the host unbinds a device. Drivers that do not implement it leave
// the capability undeclared, and the host applies its default teardown.
type Remover interface {
	Remove(dev *Device) error
}

// Shutdowner is implemented by drivers that need to quiesce hardware when
// the host powers down. The host ignores shutdown failures; a returned
// error is logged and then dropped, because the power-down path has no way
// to carry it.
type Shutdowner interface {
	Shutdown(dev *Device) error
}

// Config carries the identity of a driver registration.
type Config struct {
	// Name is the driver name the host files the registration under. It
	// must fit the host name buffer.
	Name string

	// IDTable lists the devices the driver claims. An empty table is
	// legal; the host then matches devices against Name instead. The
	// table is referenced, not copied, and must not change while the
	// registration lives.
	IDTable host.IDTable

	// Module identifies the software module that owns the driver.
	// Required.
	Module *host.ModuleInfo

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}
