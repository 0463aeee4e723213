//go:build linux

package spidev

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/thinhost/spidrv/internal/host"
)

// Open scans sysfs and returns a host for the SPI devices found there. It
// fails when the machine exposes no SPI bus at all.
func Open(opts ...Option) (*Host, error) {
	var h *Host
	h = newHost(func(path string) (nodeConn, error) {
		return openSpidevNode(path, h.cfg)
	}, opts...)

	if _, err := os.Stat(h.sysfsRoot); err != nil {
		return nil, fmt.Errorf("spidev: no SPI bus on this system: %w", err)
	}
	if err := h.Rescan(); err != nil {
		return nil, err
	}
	return h, nil
}

type spidevNode struct {
	f *os.File
}

var _ nodeConn = (*spidevNode)(nil)

func openSpidevNode(path string, cfg nodeConfig) (nodeConn, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", path, err)
	}
	n := &spidevNode{f: f}
	if err := n.configure(cfg); err != nil {
		n.close()
		return nil, fmt.Errorf("spidev: configure %s: %w", path, err)
	}
	return n, nil
}

func (n *spidevNode) configure(cfg nodeConfig) error {
	if cfg.setMode {
		mode := cfg.mode
		if err := ioctlWithRetry(n.f.Fd(), spiIOCWrMode, uintptr(unsafe.Pointer(&mode))); err != nil {
			return fmt.Errorf("set mode %d: %w", mode, err)
		}
	}
	if cfg.setBits {
		bits := cfg.bits
		if err := ioctlWithRetry(n.f.Fd(), spiIOCWrBitsPerWord, uintptr(unsafe.Pointer(&bits))); err != nil {
			return fmt.Errorf("set bits per word %d: %w", bits, err)
		}
	}
	if cfg.setSpeed {
		speed := cfg.speedHz
		if err := ioctlWithRetry(n.f.Fd(), spiIOCWrMaxSpeedHz, uintptr(unsafe.Pointer(&speed))); err != nil {
			return fmt.Errorf("set speed %d: %w", speed, err)
		}
	}
	return nil
}

func (n *spidevNode) transfer(tx, rx []byte) error {
	segs := transferSegments(tx, rx)
	if len(segs) == 0 {
		return nil
	}
	err := ioctlWithRetry(n.f.Fd(), msgRequest(len(segs)), uintptr(unsafe.Pointer(&segs[0])))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	runtime.KeepAlive(segs)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			// The kernel already speaks the host numbering.
			return host.Errno(int32(errno))
		}
		return err
	}
	return nil
}

func (n *spidevNode) close() error {
	return n.f.Close()
}

func ioctl(fd, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlWithRetry restarts a request interrupted by a signal. spidev
// transfers are not restartable by the kernel, so EINTR shows up here.
func ioctlWithRetry(fd, req, arg uintptr) error {
	for {
		err := ioctl(fd, req, arg)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
