package host

import (
	"errors"
	"strings"
	"testing"
)

func TestNewIDTable(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		table, err := NewIDTable([]IDEntry{
			{Name: "dummy", Data: 42},
			{Name: "other", Data: 7},
		})
		if err != nil {
			t.Fatalf("NewIDTable: %v", err)
		}
		if len(table) != 2 {
			t.Fatalf("got %d entries", len(table))
		}
		id, ok := table.Match("dummy")
		if !ok || id.Data != 42 {
			t.Fatalf("Match dummy: ok=%v data=%d", ok, id.Data)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		table, err := NewIDTable(nil)
		if err != nil {
			t.Fatalf("NewIDTable: %v", err)
		}
		if table != nil {
			t.Fatalf("expected nil table")
		}
	})

	t.Run("BadEntryReported", func(t *testing.T) {
		_, err := NewIDTable([]IDEntry{
			{Name: "fine"},
			{Name: strings.Repeat("x", NameSize)},
		})
		var tableErr *InvalidTableError
		if !errors.As(err, &tableErr) {
			t.Fatalf("expected *InvalidTableError, got %v", err)
		}
		if tableErr.Index != 1 {
			t.Fatalf("wrong index: %d", tableErr.Index)
		}
	})
}

func TestMustIDTable(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for invalid entry")
		}
	}()
	MustIDTable(IDEntry{Name: ""})
}

func TestIDTableMatchOrder(t *testing.T) {
	table := MustIDTable(
		IDEntry{Name: "dup", Data: 1},
		IDEntry{Name: "dup", Data: 2},
	)
	id, ok := table.Match("dup")
	if !ok {
		t.Fatalf("expected match")
	}
	if id.Data != 1 {
		t.Fatalf("first entry must win, got data=%d", id.Data)
	}
}
