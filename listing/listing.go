// Package listing holds remote directory listings.
//
// A Listing is a handle onto a reference-counted entry store. Handles created
// with Clone share the store until one of them is modified, at which point the
// modifying handle takes a private copy. Individual entries are shared the same
// way through EntryObject, so a cached listing and a freshly fetched one that
// contain identical entries do not duplicate them.
//
// Handles are not safe for concurrent use, but distinct handles sharing a store
// may be used from different goroutines.
package listing

import (
	"iter"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// UnsureFlags records which parts of a listing are provisional, typically
// because a local operation changed the remote directory after it was listed.
type UnsureFlags uint32

const (
	UnsureFileAdded UnsureFlags = 1 << iota
	UnsureFileRemoved
	UnsureFileChanged
	UnsureDirAdded
	UnsureDirRemoved
	UnsureDirChanged
	UnsureUnknown

	UnsureFileMask = UnsureFileAdded | UnsureFileRemoved | UnsureFileChanged
	UnsureDirMask  = UnsureDirAdded | UnsureDirRemoved | UnsureDirChanged
)

type store struct {
	entries []EntryObject
	refs    atomic.Int32
}

func newStore(entries []EntryObject) *store {
	s := &store{entries: entries}
	s.refs.Store(1)
	return s
}

// Listing is an ordered sequence of entries for one remote directory.
type Listing struct {
	// Path is the remote directory the entries belong to
	Path string

	// SubDir is the sub-directory qualifier the listing was requested with
	SubDir string

	// FirstListTime is when the directory was first obtained from the server
	FirstListTime time.Time

	// Unsure accumulates UnsureFlags for the whole listing
	Unsure UnsureFlags

	// Failed marks a listing that could not be retrieved
	Failed bool

	hasDirs bool
	st      *store

	caseIndex   nameIndex
	noCaseIndex nameIndex
}

// New returns a listing for path holding a copy of entries.
func New(path, subDir string, entries []Entry) *Listing {
	l := &Listing{Path: path, SubDir: subDir, FirstListTime: time.Now()}
	l.Assign(entries)
	return l
}

// Clone returns a new handle sharing this listing's store.
func (l *Listing) Clone() *Listing {
	c := &Listing{
		Path:          l.Path,
		SubDir:        l.SubDir,
		FirstListTime: l.FirstListTime,
		Unsure:        l.Unsure,
		Failed:        l.Failed,
		hasDirs:       l.hasDirs,
		st:            l.st,
	}
	if c.st != nil {
		c.st.refs.Add(1)
	}
	return c
}

// Release drops this handle's reference to the store. The store's entries are
// released when the last handle lets go. The handle reads as empty afterwards.
func (l *Listing) Release() {
	l.unref()
}

func (l *Listing) addRef() {
	if l.st == nil {
		l.st = newStore(nil)
		return
	}
	l.st.refs.Add(1)
}

func (l *Listing) unref() {
	if l.st == nil {
		return
	}
	if l.st.refs.Add(-1) == 0 {
		for i := range l.st.entries {
			l.st.entries[i].Release()
		}
	}
	l.st = nil
	l.clearIndexes()
}

// copyOnWrite makes sure this handle owns its store exclusively.
func (l *Listing) copyOnWrite() {
	if l.st == nil {
		l.addRef()
		return
	}
	if l.st.refs.Load() == 1 {
		return
	}

	entries := make([]EntryObject, len(l.st.entries))
	for i, o := range l.st.entries {
		entries[i] = o.Clone()
	}
	l.st.refs.Add(-1)
	l.st = newStore(entries)
}

// Len returns the number of entries.
func (l *Listing) Len() int {
	if l.st == nil {
		return 0
	}
	return len(l.st.entries)
}

// HasDirs reports whether the last Assign contained a directory.
func (l *Listing) HasDirs() bool {
	return l.hasDirs
}

// SharesStore reports whether l and o are backed by the same store.
func (l *Listing) SharesStore(o *Listing) bool {
	return l.st != nil && l.st == o.st
}

// At returns a copy of entry i. Reading never clones the store.
func (l *Listing) At(i int) Entry {
	return l.st.entries[i].Entry()
}

// Update applies fn to a private copy of entry i. Both the store and the
// entry itself are cloned first when shared, so other handles keep seeing the
// old value.
func (l *Listing) Update(i int, fn func(e *Entry)) {
	l.copyOnWrite()

	obj := &l.st.entries[i]
	oldName := obj.Entry().Name
	e := obj.Mutable()
	fn(e)

	if e.Name != oldName {
		l.clearIndexes()
	}
	if e.Dir {
		l.hasDirs = true
	}
}

// SetCount resizes the listing. Shrinking to zero releases the store; growing
// appends zero entries.
func (l *Listing) SetCount(n int) {
	n = max(n, 0)
	cur := l.Len()
	if n == cur {
		return
	}

	// Positions past n disappear
	if n < cur {
		l.clearIndexes()
	}

	if n == 0 {
		l.unref()
		return
	}

	l.copyOnWrite()
	if n < cur {
		for i := n; i < cur; i++ {
			l.st.entries[i].Release()
		}
		l.st.entries = l.st.entries[:n:n]
		return
	}
	l.st.entries = append(l.st.entries, make([]EntryObject, n-cur)...)
}

// Assign replaces the contents wholesale and recomputes HasDirs.
func (l *Listing) Assign(entries []Entry) {
	l.unref()
	l.addRef()

	objs := make([]EntryObject, 0, len(entries))
	l.hasDirs = false
	for _, e := range entries {
		if e.Dir {
			l.hasDirs = true
		}
		objs = append(objs, NewEntryObject(e))
	}
	l.st.entries = objs
	l.clearIndexes()
}

// RemoveEntry deletes entry i and marks the listing unsure about the removed
// kind. It returns false if i is out of range.
func (l *Listing) RemoveEntry(i int) bool {
	if i < 0 || i >= l.Len() {
		return false
	}

	l.copyOnWrite()

	if l.st.entries[i].Entry().Dir {
		l.Unsure |= UnsureDirRemoved
	} else {
		l.Unsure |= UnsureFileRemoved
	}
	l.st.entries[i].Release()
	l.st.entries = slices.Delete(l.st.entries, i, i+1)

	l.clearIndexes()
	return true
}

// HasUnsureEntry reports whether any entry is marked unsure.
func (l *Listing) HasUnsureEntry() bool {
	for _, e := range l.All() {
		if e.Unsure {
			return true
		}
	}
	return false
}

// Names returns the entry names in order.
func (l *Listing) Names() []string {
	names := make([]string, 0, l.Len())
	for _, e := range l.All() {
		names = append(names, e.Name)
	}
	return names
}

// All iterates over the entries with their positions.
func (l *Listing) All() iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		for i := range l.Len() {
			if !yield(i, l.st.entries[i].Entry()) {
				return
			}
		}
	}
}

// FindFile returns the position of the first entry named exactly name, or -1.
func (l *Listing) FindFile(name string) int {
	return l.caseIndex.find(l, name, nil)
}

// FindFileNoCase is FindFile with a case-insensitive comparison.
func (l *Listing) FindFileNoCase(name string) int {
	return l.noCaseIndex.find(l, strings.ToLower(name), strings.ToLower)
}

func (l *Listing) clearIndexes() {
	l.caseIndex.reset()
	l.noCaseIndex.reset()
}

// nameIndex maps names to positions. It is filled lazily: a lookup miss scans
// forward from the first unindexed entry and stops at the first match, so the
// total indexing work over the life of a listing is linear.
type nameIndex struct {
	positions map[string][]int
	built     int
}

func (x *nameIndex) reset() {
	x.positions = nil
	x.built = 0
}

func (x *nameIndex) find(l *Listing, name string, fold func(string) string) int {
	if l.st == nil {
		return -1
	}

	if pos, ok := x.positions[name]; ok {
		return pos[0]
	}

	if x.positions == nil {
		x.positions = make(map[string][]int)
	}

	for x.built < len(l.st.entries) {
		i := x.built
		entryName := l.st.entries[i].Entry().Name
		if fold != nil {
			entryName = fold(entryName)
		}
		x.positions[entryName] = append(x.positions[entryName], i)
		x.built++

		if entryName == name {
			return i
		}
	}

	// Index is complete and name is not in it
	return -1
}
