package spi

import (
	"sync/atomic"

	"github.com/thinhost/spidrv/internal/host"
)

// Device is a handle to one SPI device, scoped to the lifecycle callback it
// was passed to. When the callback returns, the handle goes stale and every
// further operation fails with ErrStaleDevice; the underlying host token
// may be reused for an unrelated device at any point after that.
//
// Handles built with FromRaw are not tied to a callback and never go stale.
type Device struct {
	h     host.Host
	raw   host.Device
	stale atomic.Bool
}

// FromRaw wraps a host device token obtained outside the lifecycle path,
// for example from a host's own enumeration API. The caller is responsible
// for the token staying valid as long as the handle is used.
func FromRaw(h host.Host, raw host.Device) *Device {
	return &Device{h: h, raw: raw}
}

func newDevice(h host.Host, raw host.Device) *Device {
	return &Device{h: h, raw: raw}
}

// invalidate marks the handle stale. Called by the lifecycle trampolines
// when their callback returns.
func (d *Device) invalidate() {
	d.stale.Store(true)
}

// Raw returns the host device token behind the handle.
func (d *Device) Raw() host.Device { return d.raw }

// Transfer performs one half-duplex transaction: all of tx is written, then
// len(rx) bytes are read, under a single chip-select window. Either buffer
// may be empty. Both empty still issues one (empty) transaction to the
// host, which some hosts use as a device liveness check.
func (d *Device) Transfer(tx, rx []byte) error {
	if d.stale.Load() {
		return ErrStaleDevice
	}
	st := d.h.WriteThenRead(d.raw, tx, rx)
	if e := st.Errno(); e != 0 {
		return &TransferError{Code: e}
	}
	return nil
}

// Write shifts out p and reads nothing back.
func (d *Device) Write(p []byte) error {
	return d.Transfer(p, nil)
}

// Read fills p without writing anything first.
func (d *Device) Read(p []byte) error {
	return d.Transfer(nil, p)
}
