//go:build !((linux || darwin) && (amd64 || arm64))

package dl

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/thinhost/spidrv/internal/host"
)

// Option adjusts a Host.
type Option func(*Host)

// WithLogger is accepted for signature parity and does nothing here.
func WithLogger(*slog.Logger) Option { return func(*Host) {} }

// Host is unavailable; loading shared-library hosts needs dlopen and a
// 64-bit calling convention purego supports.
type Host struct{}

var _ host.Backend = (*Host)(nil)

// Open always fails on this platform.
func Open(path string, opts ...Option) (*Host, error) {
	return nil, fmt.Errorf("dl: not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (h *Host) RegisterDriver(*host.ModuleInfo, *host.Descriptor) host.Status {
	return host.ENOSYS.Status()
}

func (h *Host) UnregisterDriver(*host.Descriptor) {}

func (h *Host) WriteThenRead(host.Device, []byte, []byte) host.Status {
	return host.ENOSYS.Status()
}

func (h *Host) Close() error { return nil }
