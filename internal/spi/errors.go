package spi

import (
	"errors"
	"fmt"

	"github.com/thinhost/spidrv/internal/host"
)

var (
	// ErrAlreadyRegistered is returned by Register on a registration that
	// is already live.
	ErrAlreadyRegistered = errors.New("spi: driver already registered")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("spi: registration closed")

	// ErrStaleDevice is returned by transfer operations on a Device handle
	// that outlived the lifecycle callback it was passed to.
	ErrStaleDevice = errors.New("spi: device handle used outside its callback")
)

// RegistrationError reports a host refusal to accept a driver descriptor.
// It unwraps to the host errno.
type RegistrationError struct {
	Name string
	Code host.Errno
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("spi: register driver %q: %v", e.Name, e.Code)
}

func (e *RegistrationError) Unwrap() error { return e.Code }

// TransferError reports a failed transfer. It unwraps to the host errno.
type TransferError struct {
	Code host.Errno
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("spi: transfer: %v", e.Code)
}

func (e *TransferError) Unwrap() error { return e.Code }
