package host

import "fmt"

// DeviceID is one identifier-table record in the host's fixed layout: a
// NUL-terminated name buffer and a word of driver-private data. Data is
// word-sized on purpose; it commonly smuggles a pointer or index through the
// host untouched.
type DeviceID struct {
	Name [NameSize]byte
	Data uintptr
}

// NameString returns the record name without trailing NULs.
func (id DeviceID) NameString() string {
	return unpackName(id.Name)
}

// IDTable is the set of device identifiers a driver claims. Hosts bind a
// driver to a device when some entry name matches the device name exactly.
type IDTable []DeviceID

// Match returns the first entry whose name equals name.
func (t IDTable) Match(name string) (DeviceID, bool) {
	for _, id := range t {
		if id.NameString() == name {
			return id, true
		}
	}
	return DeviceID{}, false
}

// IDEntry is the builder-friendly form of a table record, accepted by
// NewIDTable before names are packed into fixed buffers.
type IDEntry struct {
	Name string
	Data uintptr
}

// InvalidTableError reports an identifier table that cannot be represented
// in the host layout. Index is the offending entry.
type InvalidTableError struct {
	Index int
	Name  string
	Err   error
}

func (e *InvalidTableError) Error() string {
	return fmt.Sprintf("host: identifier table entry %d (%q): %v", e.Index, e.Name, e.Err)
}

func (e *InvalidTableError) Unwrap() error { return e.Err }

// NewIDTable packs entries into host layout. Every name must satisfy the
// PackName rules; a violation returns *InvalidTableError and no table.
// An empty entries slice yields an empty table, which is legal and makes
// descriptors match on driver name instead.
func NewIDTable(entries []IDEntry) (IDTable, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	table := make(IDTable, len(entries))
	for i, e := range entries {
		name, err := PackName(e.Name)
		if err != nil {
			return nil, &InvalidTableError{Index: i, Name: e.Name, Err: err}
		}
		table[i] = DeviceID{Name: name, Data: e.Data}
	}
	return table, nil
}

// MustIDTable is NewIDTable for package-level table variables. It panics on
// an invalid entry, surfacing bad names at program start rather than at
// registration time.
func MustIDTable(entries ...IDEntry) IDTable {
	table, err := NewIDTable(entries)
	if err != nil {
		panic(err)
	}
	return table
}
