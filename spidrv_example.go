//go:build ignore

// This file demonstrates every public API in the spidrv package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/thinhost/spidrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flashDriver is a sample driver for the simulated NOR flash. Probe is the
// only mandatory capability; Remove and Shutdown are discovered by
// interface assertion.
type flashDriver struct {
	logger *slog.Logger
}

func (d *flashDriver) Probe(dev *spidrv.Device) error {
	// The device is valid only until Probe returns. Returning an Errno
	// (wrapped or bare) forwards that exact code to the host; any other
	// error degrades to EIO.
	id := make([]byte, 3)
	if err := dev.Transfer([]byte{0x9F}, id); err != nil {
		return err
	}
	if id[0] == 0 {
		return fmt.Errorf("blank jedec id: %w", spidrv.ENODEV)
	}
	d.logger.Info("flash identified", "jedec", fmt.Sprintf("%x", id))
	return nil
}

func (d *flashDriver) Remove(dev *spidrv.Device) error {
	d.logger.Info("flash unbound")
	return nil
}

func (d *flashDriver) Shutdown(dev *spidrv.Device) error {
	d.logger.Info("host shutting down")
	return nil
}

func run() error {
	logger := slog.Default()

	// =========================================================================
	// SimHost - in-process simulated host for tests and demos
	// =========================================================================
	h := spidrv.NewSimHost(logger)

	// Simulated device models. Load and Peek move bytes without the wire
	// protocol; Size is rounded up to whole sectors.
	flash := spidrv.NewNORFlash(256*1024, [3]byte{0xEF, 0x40, 0x16})
	flash.Load(0, []byte("boot block"))
	_ = flash.Peek(0, 10)
	_ = flash.Size()

	// Echo plays written bytes back on subsequent reads.
	echo := &spidrv.Echo{}

	flashTok, err := h.AddDevice("w25q", flash)
	if err != nil {
		return fmt.Errorf("add flash: %w", err)
	}
	echoTok, err := h.AddDevice("echo", echo)
	if err != nil {
		return fmt.Errorf("add echo: %w", err)
	}

	// =========================================================================
	// IDTable - identifier tables drivers match against
	// =========================================================================
	table, err := spidrv.NewIDTable([]spidrv.IDEntry{
		{Name: "w25q", Data: 0x4016},
		{Name: "mx25", Data: 0x2018},
	})
	if err != nil {
		var tableErr *spidrv.InvalidTableError
		if errors.As(err, &tableErr) {
			return fmt.Errorf("entry %d (%q): %w", tableErr.Index, tableErr.Name, err)
		}
		return err
	}
	// MustIDTable panics on a bad entry; use it for tables built from
	// constants so the mistake surfaces at program start.
	_ = spidrv.MustIDTable(spidrv.IDEntry{Name: "w25q", Data: 0x4016})

	// =========================================================================
	// Registration - tie a driver to the host
	// =========================================================================
	reg, err := spidrv.New(h, &flashDriver{logger: logger}, spidrv.Config{
		Name:    "w25q-flash",
		IDTable: table,
		Module: &spidrv.ModuleInfo{
			Name:        "spi_w25q",
			Author:      "thinhost",
			Description: "example NOR flash driver",
			License:     "GPL v2",
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("new registration: %w", err)
	}
	// Name returns the driver name as given; Registered stays false until
	// Register succeeds.
	_ = reg.Name()
	_ = reg.Registered()

	if err := reg.Register(); err != nil {
		// Host refusals carry the errno the host answered with.
		var regErr *spidrv.RegistrationError
		if errors.As(err, &regErr) {
			return fmt.Errorf("host refused %q with %v", regErr.Name, regErr.Code)
		}
		return err
	}
	if err := reg.Register(); !errors.Is(err, spidrv.ErrAlreadyRegistered) {
		return errors.New("double register must be refused")
	}

	// NewRegistered collapses New+Register for the common case.
	echoReg, err := spidrv.NewRegistered(h, &flashDriver{logger: logger}, spidrv.Config{
		Name:   "echo", // no table: the driver name itself matches
		Module: &spidrv.ModuleInfo{Name: "spi_echo", License: "GPL v2"},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("register echo driver: %w", err)
	}

	// =========================================================================
	// Device - transfers outside the callbacks via the enumerator
	// =========================================================================
	dev := spidrv.FromRaw(h, flashTok)
	if err := dev.Write([]byte{0x06}); err != nil { // write enable
		return err
	}
	status := make([]byte, 1)
	if err := dev.Transfer([]byte{0x05}, status); err != nil { // read status
		var xferErr *spidrv.TransferError
		if errors.As(err, &xferErr) {
			return fmt.Errorf("host answered %v", xferErr.Code)
		}
		return err
	}
	payload := make([]byte, 4)
	if err := dev.Read(payload); err != nil { // read-only transaction
		return err
	}

	// =========================================================================
	// Enumeration and sim introspection
	// =========================================================================
	var enum spidrv.Enumerator = h
	for _, info := range enum.Snapshot() {
		logger.Info("device", "token", info.Token, "name", info.Name, "driver", info.Driver)
	}
	if driver, ok := h.Bound(echoTok); ok {
		logger.Info("echo bound", "driver", driver)
	}
	c := h.Counters()
	logger.Info("sim counters", "registers", c.Registers, "probes", c.Probes, "transfers", c.Transfers)

	// Fault injection: refuse the next RegisterDriver, force transfer
	// failures on one device, then clear them again.
	h.FailNextRegister(spidrv.ENOMEM)
	h.FailTransfers(echoTok, spidrv.ETIMEDOUT)
	h.FailTransfers(echoTok, 0)

	// RemoveDevice dispatches the bound driver's Remove before the token
	// dies.
	if err := h.RemoveDevice(echoTok); err != nil {
		return err
	}

	// =========================================================================
	// Errno / Status - the host calling convention
	// =========================================================================
	// Errno values are errors; Status carries them negated across the
	// host boundary. EBUSY.Error() reads "EBUSY: device or resource busy"
	// and EBUSY.Status() is -16.
	var errno spidrv.Errno = spidrv.EBUSY
	_ = errno.Error()
	_ = errno.Name()
	st := errno.Status()
	_ = st.Errno()
	_ = st.Err()

	// =========================================================================
	// Teardown - Close is idempotent and terminal
	// =========================================================================
	if err := echoReg.Close(); err != nil {
		return err
	}
	if err := reg.Close(); err != nil {
		return err
	}
	if err := reg.Register(); !errors.Is(err, spidrv.ErrClosed) {
		return errors.New("a closed registration must stay closed")
	}
	h.PowerOff() // broadcasts Shutdown to bound drivers that declared it

	// =========================================================================
	// OpenHost - real backends by name
	// =========================================================================
	// "sim", "spidev", "periph", "dl:<path>"; "" picks the platform default.
	backend, err := spidrv.OpenHost("")
	if err != nil {
		if errors.Is(err, spidrv.ErrBackendUnsupported) {
			logger.Info("no native SPI host on this platform")
			return nil
		}
		return err
	}
	defer backend.Close()
	return nil
}
