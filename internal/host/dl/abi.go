//go:build (linux || darwin) && (amd64 || arm64)

package dl

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"

	"github.com/thinhost/spidrv/internal/host"
)

// Foreign structure layouts. These mirror the spi_host C ABI:
//
//	struct spi_host_device_id {
//		char      name[32];
//		uintptr_t data;
//	};
//
//	struct spi_host_driver {
//		char                            name[32];
//		const struct spi_host_device_id *id_table; // zero-name terminated, may be NULL
//		int32_t (*probe)(void *dev);
//		int32_t (*remove)(void *dev);
//		void    (*shutdown)(void *dev);
//	};
//
// The layouts are pinned by TestForeignABI.
type idABI struct {
	name [host.NameSize]byte
	data uintptr
}

type driverABI struct {
	name     [host.NameSize]byte
	idTable  uintptr
	probe    uintptr
	remove   uintptr
	shutdown uintptr
}

const (
	idABISize     = unsafe.Sizeof(idABI{})
	driverABISize = unsafe.Sizeof(driverABI{})
)

// descriptorSize returns the foreign allocation for a driver with tableLen
// identifier entries. A non-empty table gets tableLen records plus the
// zero sentinel.
func descriptorSize(tableLen int) int {
	size := int(driverABISize)
	if tableLen > 0 {
		size += (tableLen + 1) * int(idABISize)
	}
	return size
}

// writeDescriptor lays the driver structure out at the start of mem, with
// the identifier table right behind it. mem must hold descriptorSize bytes
// and must not be Go-managed memory, since the foreign host keeps the
// resulting pointers.
func writeDescriptor(mem []byte, name [host.NameSize]byte, table host.IDTable, probe, remove, shutdown uintptr) {
	base := uintptr(unsafe.Pointer(&mem[0]))
	drv := (*driverABI)(unsafe.Pointer(&mem[0]))
	*drv = driverABI{
		name:     name,
		probe:    probe,
		remove:   remove,
		shutdown: shutdown,
	}
	if len(table) > 0 {
		drv.idTable = base + driverABISize
		for i, id := range table {
			rec := (*idABI)(unsafe.Pointer(&mem[driverABISize+uintptr(i)*idABISize]))
			rec.name = id.Name
			rec.data = id.Data
		}
		// Sentinel record is already zero from the fresh mapping, but a
		// recycled buffer in tests may be dirty.
		sentinel := (*idABI)(unsafe.Pointer(&mem[driverABISize+uintptr(len(table))*idABISize]))
		*sentinel = idABI{}
	}
}

// foreignBlock is anonymous mapped memory outside the Go heap. Descriptors
// handed to the foreign host live here so the collector never sees, moves,
// or frees them while the host holds the pointer.
type foreignBlock struct {
	mem []byte
}

// align rounds v up to the next multiple of the power-of-two boundary.
func align[T constraints.Unsigned](v, boundary T) T {
	return (v + boundary - 1) &^ (boundary - 1)
}

func allocBlock(size int) (*foreignBlock, error) {
	// The kernel maps whole pages; requesting the rounded length keeps
	// len(mem) equal to what is actually reserved.
	length := int(align(uint64(size), uint64(unix.Getpagesize())))
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("dl: descriptor mapping (%d bytes): %w", length, err)
	}
	return &foreignBlock{mem: mem}, nil
}

func (b *foreignBlock) addr() uintptr {
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

func (b *foreignBlock) free() error {
	if b.mem == nil {
		return nil
	}
	mem := b.mem
	b.mem = nil
	return unix.Munmap(mem)
}

// Trampoline cells bridge foreign callback slots to descriptor callbacks.
// A C-callable pointer from purego.NewCallback is permanent for the life of
// the process and the runtime caps how many can exist, so cells are pooled
// and retargeted instead of created per registration. The pool is process
// global for the same reason.
//
// A cell whose target was cleared answers ENXIO; that is the window between
// the foreign host unregistering a driver and a late callback it already
// had in flight.

type statusCell struct {
	ptr    uintptr
	target atomic.Pointer[host.Callback]
}

func (c *statusCell) invoke(dev uintptr) int32 {
	if fn := c.target.Load(); fn != nil && *fn != nil {
		return int32((*fn)(host.Device(dev)))
	}
	return int32(host.ENXIO.Status())
}

type voidCell struct {
	ptr    uintptr
	target atomic.Pointer[host.VoidCallback]
}

func (c *voidCell) invoke(dev uintptr) {
	if fn := c.target.Load(); fn != nil && *fn != nil {
		(*fn)(host.Device(dev))
	}
}

const (
	maxStatusCells = 512
	maxVoidCells   = 256
)

type cellPool struct {
	mu         sync.Mutex
	freeStatus []*statusCell
	freeVoid   []*voidCell
	numStatus  int
	numVoid    int
}

var pool cellPool

func (p *cellPool) getStatus() (*statusCell, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.freeStatus); n > 0 {
		c := p.freeStatus[n-1]
		p.freeStatus = p.freeStatus[:n-1]
		return c, nil
	}
	if p.numStatus >= maxStatusCells {
		return nil, fmt.Errorf("dl: out of callback cells (%d live)", p.numStatus)
	}
	p.numStatus++
	c := &statusCell{}
	c.ptr = purego.NewCallback(func(dev uintptr) int32 { return c.invoke(dev) })
	return c, nil
}

func (p *cellPool) putStatus(c *statusCell) {
	if c == nil {
		return
	}
	c.target.Store(nil)
	p.mu.Lock()
	p.freeStatus = append(p.freeStatus, c)
	p.mu.Unlock()
}

func (p *cellPool) getVoid() (*voidCell, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.freeVoid); n > 0 {
		c := p.freeVoid[n-1]
		p.freeVoid = p.freeVoid[:n-1]
		return c, nil
	}
	if p.numVoid >= maxVoidCells {
		return nil, fmt.Errorf("dl: out of shutdown callback cells (%d live)", p.numVoid)
	}
	p.numVoid++
	c := &voidCell{}
	c.ptr = purego.NewCallback(func(dev uintptr) { c.invoke(dev) })
	return c, nil
}

func (p *cellPool) putVoid(c *voidCell) {
	if c == nil {
		return
	}
	c.target.Store(nil)
	p.mu.Lock()
	p.freeVoid = append(p.freeVoid, c)
	p.mu.Unlock()
}
