package listing

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Precision describes how much of Entry.Time is meaningful.
type Precision int

const (
	// PrecisionNone means the entry carries no date.
	PrecisionNone Precision = iota
	// PrecisionDate means only the calendar date is known.
	PrecisionDate
	// PrecisionDateTime means date and time of day are known.
	PrecisionDateTime
)

// Entry describes one remote file or directory.
type Entry struct {
	// Name is the file name, without any path component
	Name string

	// Size is the size in bytes, or -1 if the server did not report one
	Size int64

	// Permissions is the permission string as sent by the server (e.g., "drwxr-xr-x")
	Permissions string

	// OwnerGroup is the owner and group, space separated
	OwnerGroup string

	Dir  bool
	Link bool

	// Target is the link target for symlinks
	Target string

	// Time is the modification time; see Precision
	Time      time.Time
	Precision Precision

	// Unsure marks attributes that are provisional until the next listing confirms them
	Unsure bool
}

// HasDate reports whether the entry carries a date.
func (e Entry) HasDate() bool {
	return e.Precision != PrecisionNone
}

// HasTime reports whether the entry carries a time of day.
func (e Entry) HasTime() bool {
	return e.Precision == PrecisionDateTime
}

// Equal reports whether two entries are structurally identical.
// Times are only compared when the entries carry a date.
func (e Entry) Equal(o Entry) bool {
	if e.Name != o.Name || e.Size != o.Size {
		return false
	}
	if e.Permissions != o.Permissions || e.OwnerGroup != o.OwnerGroup {
		return false
	}
	if e.Dir != o.Dir || e.Link != o.Link || e.Target != o.Target {
		return false
	}
	if e.Precision != o.Precision {
		return false
	}
	if e.HasDate() && !e.Time.Equal(o.Time) {
		return false
	}
	return e.Unsure == o.Unsure
}

// Dump renders the entry in a line-oriented form for debug logs.
func (e Entry) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s\nsize=%d\npermissions=%s\nownerGroup=%s\n", e.Name, e.Size, e.Permissions, e.OwnerGroup)
	fmt.Fprintf(&b, "dir=%t\nlink=%t\ntarget=%s\n", e.Dir, e.Link, e.Target)
	if e.HasDate() {
		fmt.Fprintf(&b, "date=%s\n", e.Time.Format(time.DateOnly))
	}
	if e.HasTime() {
		fmt.Fprintf(&b, "time=%s\n", e.Time.Format(time.TimeOnly))
	}
	fmt.Fprintf(&b, "unsure=%t\n", e.Unsure)
	return b.String()
}

type entryBox struct {
	entry Entry
	refs  atomic.Int32
}

func newEntryBox(e Entry) *entryBox {
	b := &entryBox{entry: e}
	b.refs.Store(1)
	return b
}

// EntryObject is a reference-counted copy-on-write handle to an Entry.
// Several listings may hold handles to the same entry; the entry is
// duplicated only when one of them asks for a mutable view.
//
// The zero value holds no entry and reads as the zero Entry.
type EntryObject struct {
	box *entryBox
}

// NewEntryObject returns a handle owning a private copy of e.
func NewEntryObject(e Entry) EntryObject {
	return EntryObject{box: newEntryBox(e)}
}

// Clone returns another handle to the same entry.
func (o EntryObject) Clone() EntryObject {
	if o.box != nil {
		o.box.refs.Add(1)
	}
	return o
}

// Entry returns a copy of the referenced entry. It never clones the shared state.
func (o EntryObject) Entry() Entry {
	if o.box == nil {
		return Entry{}
	}
	return o.box.entry
}

// Mutable returns a pointer to an entry owned exclusively by this handle,
// cloning it first if other handles reference it.
func (o *EntryObject) Mutable() *Entry {
	switch {
	case o.box == nil:
		o.box = newEntryBox(Entry{})
	case o.box.refs.Load() > 1:
		b := newEntryBox(o.box.entry)
		o.box.refs.Add(-1)
		o.box = b
	}
	return &o.box.entry
}

// Release drops this handle's reference. The handle is empty afterwards.
func (o *EntryObject) Release() {
	if o.box == nil {
		return
	}
	o.box.refs.Add(-1)
	o.box = nil
}

// Shared reports whether other handles reference the same entry.
func (o EntryObject) Shared() bool {
	return o.box != nil && o.box.refs.Load() > 1
}

func (o EntryObject) refCount() int32 {
	if o.box == nil {
		return 0
	}
	return o.box.refs.Load()
}
