package host

import (
	"strings"
	"testing"
)

func TestPackName(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		buf, err := PackName("anvl4231")
		if err != nil {
			t.Fatalf("PackName: %v", err)
		}
		if got := unpackName(buf); got != "anvl4231" {
			t.Fatalf("unpackName: got %q", got)
		}
	})

	t.Run("MaxLength", func(t *testing.T) {
		name := strings.Repeat("a", NameSize-1)
		buf, err := PackName(name)
		if err != nil {
			t.Fatalf("PackName: %v", err)
		}
		if buf[NameSize-1] != 0 {
			t.Fatalf("expected terminator in last byte")
		}
		if got := unpackName(buf); got != name {
			t.Fatalf("unpackName: got %d bytes", len(got))
		}
	})

	t.Run("TooLong", func(t *testing.T) {
		if _, err := PackName(strings.Repeat("a", NameSize)); err == nil {
			t.Fatalf("expected error for %d byte name", NameSize)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := PackName(""); err == nil {
			t.Fatalf("expected error for empty name")
		}
	})

	t.Run("EmbeddedNul", func(t *testing.T) {
		if _, err := PackName("bad\x00name"); err == nil {
			t.Fatalf("expected error for embedded NUL")
		}
	})
}

func TestDescriptorMatch(t *testing.T) {
	table := MustIDTable(
		IDEntry{Name: "flashA", Data: 1},
		IDEntry{Name: "flashB", Data: 2},
	)
	name, err := PackName("norflash")
	if err != nil {
		t.Fatalf("PackName: %v", err)
	}

	t.Run("TableEntry", func(t *testing.T) {
		d := &Descriptor{Name: name, IDTable: table}
		id, ok := d.Match("flashB")
		if !ok {
			t.Fatalf("expected match for flashB")
		}
		if id.Data != 2 {
			t.Fatalf("wrong entry: data=%d", id.Data)
		}
	})

	t.Run("TableMissTrumpsDriverName", func(t *testing.T) {
		// A descriptor that declares a table matches only through it.
		d := &Descriptor{Name: name, IDTable: table}
		if _, ok := d.Match("norflash"); ok {
			t.Fatalf("driver name must not match when a table is present")
		}
	})

	t.Run("DriverNameFallback", func(t *testing.T) {
		d := &Descriptor{Name: name}
		id, ok := d.Match("norflash")
		if !ok {
			t.Fatalf("expected driver-name match")
		}
		if id.Data != 0 {
			t.Fatalf("fallback match must carry zero data, got %d", id.Data)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		d := &Descriptor{Name: name}
		if _, ok := d.Match("other"); ok {
			t.Fatalf("unexpected match")
		}
		if _, ok := d.Match(""); ok {
			t.Fatalf("empty device name must never match")
		}
	})
}
