//go:build !linux

package spidev

import (
	"fmt"
	"runtime"
)

// Open always fails; spidev exists only on Linux.
func Open(opts ...Option) (*Host, error) {
	return nil, fmt.Errorf("spidev: not supported on %s", runtime.GOOS)
}
