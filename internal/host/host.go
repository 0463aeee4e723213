// Package host defines the contract between SPI driver bindings and a host
// subsystem: the runtime that owns device discovery, driver matching, and the
// synchronous transfer engine. Backends implementing Host live in the
// subdirectories of this package.
//
// All entry points use the host's integer calling convention: zero means
// success and a negated errno reports failure. Errors never travel any other
// way across this boundary.
//
// Hosts make the following ordering guarantees, which the binding layer
// trusts and does not re-check:
//
//   - No lifecycle callback is invoked before RegisterDriver has returned
//     zero, nor after UnregisterDriver has begun.
//   - Probe is never invoked concurrently with Remove or Shutdown for the
//     same device.
//   - The device token passed to a callback is valid until that callback
//     returns, and no longer.
package host

import (
	"errors"
	"fmt"
	"io"
)

// Device is an opaque, word-sized token referring to a device record owned
// by the host. The host alone knows what it means: a raw pointer for a
// foreign host, a table index for a simulated one.
type Device uintptr

// Status is the integer result of a host entry point: zero on success,
// -errno on failure.
type Status int32

// Errno reports the errno encoded in a failed status, or zero when the
// status reports success.
func (s Status) Errno() Errno {
	if s >= 0 {
		return 0
	}
	return Errno(-s)
}

// Err returns nil for a success status and the encoded Errno otherwise.
func (s Status) Err() error {
	if s >= 0 {
		return nil
	}
	return Errno(-s)
}

// StatusFor translates a Go error into the status convention: nil reports
// success, an error carrying an Errno anywhere in its chain keeps its code,
// and anything else degrades to EIO.
func StatusFor(err error) Status {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) && e != 0 {
		return e.Status()
	}
	return EIO.Status()
}

// Callback is the fixed calling convention of the probe and remove
// descriptor slots.
type Callback func(Device) Status

// VoidCallback is the fixed calling convention of the shutdown descriptor
// slot. Shutdown has no way to report failure to the host.
type VoidCallback func(Device)

// NameSize is the size of the host's fixed device- and driver-name buffers,
// including the terminating NUL.
const NameSize = 32

// Descriptor describes a driver to the host: a name, the identifier table
// used for device matching, and one slot per lifecycle callback. A nil slot
// means the capability is absent and the host applies its own default
// behavior; it is not the same as a callback that does nothing.
//
// Once RegisterDriver accepts a descriptor the host retains the pointer
// until UnregisterDriver is called with it. The memory behind it must stay
// put for that entire time.
type Descriptor struct {
	Name     [NameSize]byte
	IDTable  IDTable
	Probe    Callback
	Remove   Callback
	Shutdown VoidCallback
}

// NameString returns the descriptor name without trailing NULs.
func (d *Descriptor) NameString() string {
	return unpackName(d.Name)
}

// Match looks up the identifier-table entry for a device name. A descriptor
// with an empty table falls back to matching the driver name itself, in
// which case the returned entry carries zero data.
func (d *Descriptor) Match(name string) (DeviceID, bool) {
	if len(d.IDTable) > 0 {
		return d.IDTable.Match(name)
	}
	if name != "" && name == d.NameString() {
		id := DeviceID{Name: d.Name}
		return id, true
	}
	return DeviceID{}, false
}

// ModuleInfo identifies the software module that owns a driver registration.
// Hosts use it for bookkeeping and attribution only; it carries no behavior.
type ModuleInfo struct {
	Name        string
	Author      string
	Description string
	License     string
}

// Host is the set of entry points a host subsystem provides.
//
// Implementations must honor the package-level ordering guarantees. The
// binding layer serializes its own calls per registration, so hosts may
// assume RegisterDriver and UnregisterDriver are not raced for the same
// descriptor.
type Host interface {
	// RegisterDriver submits a populated descriptor on behalf of owner.
	// A zero status means the host now holds a reference to d and may
	// begin invoking its callbacks.
	RegisterDriver(owner *ModuleInfo, d *Descriptor) Status

	// UnregisterDriver withdraws a previously accepted descriptor. It has
	// no way to fail: by the time it returns the host holds no reference
	// to d and will invoke no further callbacks from it.
	UnregisterDriver(d *Descriptor)

	// WriteThenRead performs one synchronous half-duplex transaction on
	// dev: all of tx is shifted out, then len(rx) bytes are shifted in,
	// within a single chip-select window. Either buffer may be empty;
	// both empty is a legal no-op transaction. The call blocks until the
	// host completes or rejects the transfer.
	WriteThenRead(dev Device, tx, rx []byte) Status
}

// ErrBackendUnsupported reports that no host backend can serve this
// platform.
var ErrBackendUnsupported = errors.New("spi host backend unsupported on this platform")

// Backend is a Host that owns releasable resources. Closing a backend
// quiesces bound drivers through their declared shutdown slots; every call
// after Close fails with ESHUTDOWN.
type Backend interface {
	io.Closer
	Host
}

// DeviceInfo describes one device a host knows about.
type DeviceInfo struct {
	Token  Device
	Name   string
	Node   string // host-specific location, empty when the host has none
	Driver string // bound driver name, empty while unbound
}

// Enumerator is implemented by hosts that can list their devices. Hosts
// that merely forward to a foreign subsystem usually cannot.
type Enumerator interface {
	Snapshot() []DeviceInfo
}

// PackName converts a driver or device name into the host's fixed name
// buffer. The name must be non-empty, free of NUL bytes, and short enough
// to leave room for the terminator.
func PackName(name string) ([NameSize]byte, error) {
	var buf [NameSize]byte
	if name == "" {
		return buf, fmt.Errorf("host: empty name")
	}
	if len(name) > NameSize-1 {
		return buf, fmt.Errorf("host: name %q is %d bytes, limit is %d plus terminator", name, len(name), NameSize-1)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return buf, fmt.Errorf("host: name %q contains a NUL byte", name)
		}
	}
	copy(buf[:], name)
	return buf, nil
}

func unpackName(buf [NameSize]byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf[:])
}
