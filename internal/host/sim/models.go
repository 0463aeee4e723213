package sim

import "sync"

// Echo is a device model that buffers everything written to it and plays it
// back on subsequent reads, oldest byte first. Reads past the buffered data
// shift in zeros.
type Echo struct {
	mu  sync.Mutex
	buf []byte
}

var _ Model = (*Echo)(nil)

func (e *Echo) Transact(tx, rx []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = append(e.buf, tx...)
	n := copy(rx, e.buf)
	e.buf = e.buf[n:]
	for i := n; i < len(rx); i++ {
		rx[i] = 0
	}
	return nil
}

// NOR flash command subset. The model follows the common serial flash
// behavior: program bits only clear, erase sets them, page programming
// wraps inside the page, and writes are ignored unless write-enable was
// latched first.
const (
	norPageProgram = 0x02
	norRead        = 0x03
	norWriteDisbl  = 0x04
	norReadStatus  = 0x05
	norWriteEnable = 0x06
	norSectorErase = 0x20
	norJEDECID     = 0x9F
	norChipErase   = 0xC7

	norPageSize   = 256
	norSectorSize = 4096

	norStatusWEL = 1 << 1
)

// NORFlash models a JEDEC serial NOR flash chip behind a byte interface.
type NORFlash struct {
	id [3]byte

	mu  sync.Mutex
	mem []byte
	wel bool
}

var _ Model = (*NORFlash)(nil)

// NewNORFlash builds an erased flash of at least size bytes, rounded up to
// a whole number of sectors, reporting id as its JEDEC identifier.
func NewNORFlash(size int, id [3]byte) *NORFlash {
	if size < norSectorSize {
		size = norSectorSize
	}
	if rem := size % norSectorSize; rem != 0 {
		size += norSectorSize - rem
	}
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &NORFlash{id: id, mem: mem}
}

// Size returns the flash capacity in bytes.
func (f *NORFlash) Size() int {
	return len(f.mem)
}

// Load stores data at addr directly, bypassing the command interface. Test
// setup helper.
func (f *NORFlash) Load(addr uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range data {
		f.mem[(int(addr)+i)%len(f.mem)] = b
	}
}

// Peek copies n bytes starting at addr, bypassing the command interface.
func (f *NORFlash) Peek(addr uint32, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = f.mem[(int(addr)+i)%len(f.mem)]
	}
	return out
}

func (f *NORFlash) Transact(tx, rx []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(tx) == 0 {
		// Chip-select ping with nothing clocked out; reads shift zeros.
		zero(rx)
		return nil
	}

	switch cmd := tx[0]; cmd {
	case norJEDECID:
		for i := range rx {
			if i < len(f.id) {
				rx[i] = f.id[i]
			} else {
				rx[i] = 0
			}
		}
	case norRead:
		if len(tx) < 4 {
			zero(rx)
			return nil
		}
		addr := int(addr24(tx[1:4]))
		for i := range rx {
			rx[i] = f.mem[(addr+i)%len(f.mem)]
		}
	case norPageProgram:
		if len(tx) < 4 || !f.wel {
			zero(rx)
			return nil
		}
		addr := int(addr24(tx[1:4]))
		page := addr / norPageSize * norPageSize
		for i, b := range tx[4:] {
			// Wraps inside the page and clears bits only.
			off := page + (addr-page+i)%norPageSize
			f.mem[off%len(f.mem)] &= b
		}
		f.wel = false
		zero(rx)
	case norSectorErase:
		if len(tx) < 4 || !f.wel {
			zero(rx)
			return nil
		}
		addr := int(addr24(tx[1:4])) % len(f.mem)
		sector := addr / norSectorSize * norSectorSize
		for i := 0; i < norSectorSize; i++ {
			f.mem[sector+i] = 0xFF
		}
		f.wel = false
		zero(rx)
	case norChipErase:
		if f.wel {
			for i := range f.mem {
				f.mem[i] = 0xFF
			}
			f.wel = false
		}
		zero(rx)
	case norWriteEnable:
		f.wel = true
		zero(rx)
	case norWriteDisbl:
		f.wel = false
		zero(rx)
	case norReadStatus:
		var status byte
		if f.wel {
			status |= norStatusWEL
		}
		for i := range rx {
			rx[i] = status
		}
	default:
		zero(rx)
	}
	return nil
}

func addr24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
