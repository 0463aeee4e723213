//go:build linux

package factory

import (
	"github.com/thinhost/spidrv/internal/host"
	"github.com/thinhost/spidrv/internal/host/spidev"
)

func Open() (host.Backend, error) {
	return spidev.Open()
}
