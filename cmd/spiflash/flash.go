package main

import (
	"fmt"
	"io"
	"time"

	"github.com/thinhost/spidrv"
)

// Serial NOR command subset with 3-byte addressing, common to the JEDEC
// 25-series parts.
const (
	cmdPageProgram = 0x02
	cmdRead        = 0x03
	cmdReadStatus  = 0x05
	cmdWriteEnable = 0x06
	cmdSectorErase = 0x20
	cmdJEDECID     = 0x9F

	statusBusy        = 1 << 0
	statusWriteEnable = 1 << 1
)

// flash drives a serial NOR chip through a host device.
type flash struct {
	dev    *spidrv.Device
	page   int
	sector int
}

func (f *flash) jedec() ([3]byte, error) {
	var id [3]byte
	if err := f.dev.Transfer([]byte{cmdJEDECID}, id[:]); err != nil {
		return id, fmt.Errorf("read jedec id: %w", err)
	}
	return id, nil
}

// capacityFromID decodes the density byte of a JEDEC id. Zero means the
// chip does not follow the power-of-two convention.
func capacityFromID(id [3]byte) int {
	if id[2] >= 16 && id[2] <= 31 {
		return 1 << id[2]
	}
	return 0
}

func cmdAddr(cmd byte, addr uint32) []byte {
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

func (f *flash) read(addr uint32, p []byte) error {
	if err := f.dev.Transfer(cmdAddr(cmdRead, addr), p); err != nil {
		return fmt.Errorf("read %d bytes at %#x: %w", len(p), addr, err)
	}
	return nil
}

func (f *flash) status() (byte, error) {
	var st [1]byte
	if err := f.dev.Transfer([]byte{cmdReadStatus}, st[:]); err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return st[0], nil
}

func (f *flash) writeEnable() error {
	if err := f.dev.Write([]byte{cmdWriteEnable}); err != nil {
		return fmt.Errorf("write enable: %w", err)
	}
	st, err := f.status()
	if err != nil {
		return err
	}
	if st&statusWriteEnable == 0 {
		return fmt.Errorf("write enable did not latch (status %#x); chip may be protected", st)
	}
	return nil
}

func (f *flash) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := f.status()
		if err != nil {
			return err
		}
		if st&statusBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("chip busy after %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *flash) eraseSector(addr uint32) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.dev.Write(cmdAddr(cmdSectorErase, addr)); err != nil {
		return fmt.Errorf("erase sector at %#x: %w", addr, err)
	}
	return f.waitReady(3 * time.Second)
}

// programPage writes at most one page; the caller keeps p inside the page
// boundary.
func (f *flash) programPage(addr uint32, p []byte) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.dev.Write(append(cmdAddr(cmdPageProgram, addr), p...)); err != nil {
		return fmt.Errorf("program %d bytes at %#x: %w", len(p), addr, err)
	}
	return f.waitReady(time.Second)
}

// dump streams n bytes starting at addr into w in chunk-sized reads.
func (f *flash) dump(addr uint32, n, chunk int, w io.Writer) error {
	buf := make([]byte, chunk)
	for n > 0 {
		step := min(n, chunk)
		if err := f.read(addr, buf[:step]); err != nil {
			return err
		}
		if _, err := w.Write(buf[:step]); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		addr += uint32(step)
		n -= step
	}
	return nil
}

// program erases the covering sectors and writes data page by page. Each
// written chunk is echoed to progress when non-nil.
func (f *flash) program(addr uint32, data []byte, progress io.Writer) error {
	if int(addr)%f.sector != 0 {
		return fmt.Errorf("program start %#x is not aligned to the %d-byte sector", addr, f.sector)
	}
	for off := 0; off < len(data); off += f.sector {
		if err := f.eraseSector(addr + uint32(off)); err != nil {
			return err
		}
	}
	for off := 0; off < len(data); off += f.page {
		end := min(off+f.page, len(data))
		if err := f.programPage(addr+uint32(off), data[off:end]); err != nil {
			return err
		}
		if progress != nil {
			if _, err := progress.Write(data[off:end]); err != nil {
				return fmt.Errorf("report progress: %w", err)
			}
		}
	}
	return nil
}
