//go:build !linux

package factory

import "github.com/thinhost/spidrv/internal/host"

func Open() (host.Backend, error) {
	return nil, host.ErrBackendUnsupported
}
