package factory

import (
	"fmt"
	"strings"

	"github.com/thinhost/spidrv/internal/host"
	"github.com/thinhost/spidrv/internal/host/dl"
	"github.com/thinhost/spidrv/internal/host/periph"
	"github.com/thinhost/spidrv/internal/host/sim"
	"github.com/thinhost/spidrv/internal/host/spidev"
)

// NewWithName selects a host backend by name. Native backends are used for
// the machine's own SPI buses, "sim" builds an in-process simulated host,
// and "dl:<path>" loads a host subsystem from a shared library.
func NewWithName(name string) (host.Backend, error) {
	switch {
	case name == "sim":
		return sim.New(nil), nil
	case name == "spidev":
		return spidev.Open()
	case name == "periph":
		return periph.Open()
	case strings.HasPrefix(name, "dl:"):
		return dl.Open(strings.TrimPrefix(name, "dl:"))
	default:
		return nil, fmt.Errorf("unknown host backend %q (known: sim, spidev, periph, dl:<path>)", name)
	}
}

// OpenWithName mirrors NewWithName but treats an empty name as "use the
// platform default".
func OpenWithName(name string) (host.Backend, error) {
	if name == "" {
		return Open()
	}
	return NewWithName(name)
}
