//go:build (linux || darwin) && (amd64 || arm64)

package dl

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/thinhost/spidrv/internal/host"
)

// TestForeignABI pins the structure layout shared with spi_host libraries.
func TestForeignABI(t *testing.T) {
	var drv driverABI
	if driverABISize != 64 {
		t.Fatalf("sizeof spi_host_driver = %d, want 64", driverABISize)
	}
	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"name", unsafe.Offsetof(drv.name), 0},
		{"id_table", unsafe.Offsetof(drv.idTable), 32},
		{"probe", unsafe.Offsetof(drv.probe), 40},
		{"remove", unsafe.Offsetof(drv.remove), 48},
		{"shutdown", unsafe.Offsetof(drv.shutdown), 56},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("offsetof %s = %d, want %d", o.name, o.got, o.want)
		}
	}

	var id idABI
	if idABISize != 40 {
		t.Fatalf("sizeof spi_host_device_id = %d, want 40", idABISize)
	}
	if off := unsafe.Offsetof(id.data); off != 32 {
		t.Errorf("offsetof data = %d, want 32", off)
	}
}

func TestDescriptorSize(t *testing.T) {
	if got := descriptorSize(0); got != 64 {
		t.Fatalf("no table: %d", got)
	}
	// Two entries plus the zero sentinel.
	if got := descriptorSize(2); got != 64+3*40 {
		t.Fatalf("two entries: %d", got)
	}
}

func TestWriteDescriptor(t *testing.T) {
	name, err := host.PackName("dummy")
	if err != nil {
		t.Fatalf("PackName: %v", err)
	}
	table := host.MustIDTable(
		host.IDEntry{Name: "dummy", Data: 42},
		host.IDEntry{Name: "dummy2", Data: 7},
	)

	mem := make([]byte, descriptorSize(len(table)))
	for i := range mem {
		mem[i] = 0xEE // dirty so the sentinel write is observable
	}
	writeDescriptor(mem, name, table, 0x1111, 0, 0x3333)

	drv := (*driverABI)(unsafe.Pointer(&mem[0]))
	if drv.name != name {
		t.Fatalf("name = %q", drv.name[:])
	}
	if drv.probe != 0x1111 || drv.remove != 0 || drv.shutdown != 0x3333 {
		t.Fatalf("slots = %#x %#x %#x", drv.probe, drv.remove, drv.shutdown)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	if drv.idTable != base+driverABISize {
		t.Fatalf("id_table = %#x, want %#x", drv.idTable, base+driverABISize)
	}

	rec0 := (*idABI)(unsafe.Pointer(&mem[driverABISize]))
	if rec0.data != 42 || rec0.name != table[0].Name {
		t.Fatalf("entry 0 = %+v", rec0)
	}
	rec1 := (*idABI)(unsafe.Pointer(&mem[driverABISize+idABISize]))
	if rec1.data != 7 {
		t.Fatalf("entry 1 data = %d", rec1.data)
	}
	sentinel := (*idABI)(unsafe.Pointer(&mem[driverABISize+2*idABISize]))
	if sentinel.name[0] != 0 || sentinel.data != 0 {
		t.Fatalf("sentinel not zeroed: %+v", sentinel)
	}
}

func TestWriteDescriptorEmptyTable(t *testing.T) {
	name, err := host.PackName("bare")
	if err != nil {
		t.Fatalf("PackName: %v", err)
	}
	mem := make([]byte, descriptorSize(0))
	writeDescriptor(mem, name, nil, 0x1, 0x2, 0)
	drv := (*driverABI)(unsafe.Pointer(&mem[0]))
	if drv.idTable != 0 {
		t.Fatalf("empty table must marshal as NULL, got %#x", drv.idTable)
	}
}

func TestAlign(t *testing.T) {
	cases := []struct {
		v, boundary, want uint64
	}{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{63, 8, 64},
	}
	for _, c := range cases {
		if got := align(c.v, c.boundary); got != c.want {
			t.Errorf("align(%d, %d) = %d, want %d", c.v, c.boundary, got, c.want)
		}
	}
}

func TestForeignBlock(t *testing.T) {
	b, err := allocBlock(descriptorSize(4))
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	if len(b.mem)%unix.Getpagesize() != 0 {
		t.Fatalf("mapping length %d not page-rounded", len(b.mem))
	}
	if b.addr() == 0 {
		t.Fatalf("zero address")
	}
	b.mem[0] = 0xAB
	if err := b.free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := b.free(); err != nil {
		t.Fatalf("double free: %v", err)
	}
}

func TestStatusCellRetargeting(t *testing.T) {
	var c statusCell // no C pointer needed to exercise dispatch

	if got := c.invoke(1); got != int32(host.ENXIO.Status()) {
		t.Fatalf("untargeted cell: %d", got)
	}

	var seen host.Device
	cb := host.Callback(func(dev host.Device) host.Status {
		seen = dev
		return host.EAGAIN.Status()
	})
	c.target.Store(&cb)
	if got := c.invoke(9); got != int32(host.EAGAIN.Status()) {
		t.Fatalf("targeted cell: %d", got)
	}
	if seen != 9 {
		t.Fatalf("device token = %d", seen)
	}

	c.target.Store(nil)
	if got := c.invoke(9); got != int32(host.ENXIO.Status()) {
		t.Fatalf("cleared cell: %d", got)
	}
}

func TestVoidCellRetargeting(t *testing.T) {
	var c voidCell
	c.invoke(1) // untargeted is a no-op

	calls := 0
	cb := host.VoidCallback(func(host.Device) { calls++ })
	c.target.Store(&cb)
	c.invoke(2)
	c.target.Store(nil)
	c.invoke(3)
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestCellPoolReuse(t *testing.T) {
	var p cellPool

	a, err := p.getStatus()
	if err != nil {
		t.Fatalf("getStatus: %v", err)
	}
	if a.ptr == 0 {
		t.Fatalf("cell has no C pointer")
	}
	p.putStatus(a)
	b, err := p.getStatus()
	if err != nil {
		t.Fatalf("getStatus: %v", err)
	}
	if a != b {
		t.Fatalf("freed cell not reused")
	}
	if p.numStatus != 1 {
		t.Fatalf("numStatus = %d", p.numStatus)
	}
	if b.target.Load() != nil {
		t.Fatalf("recycled cell still targeted")
	}

	v, err := p.getVoid()
	if err != nil {
		t.Fatalf("getVoid: %v", err)
	}
	p.putVoid(v)
	if w, _ := p.getVoid(); w != v {
		t.Fatalf("freed void cell not reused")
	}

	p.putStatus(nil) // nil-safe
	p.putVoid(nil)
}
