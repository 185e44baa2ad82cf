package listing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{Name: "README", Size: 120},
		{Name: "src", Size: -1, Dir: true},
		{Name: "readme", Size: 64},
		{Name: "build.sh", Size: 900, Permissions: "-rwxr-xr-x"},
		{Name: "README", Size: 7},
	}
}

func TestAssignComputesHasDirs(t *testing.T) {
	l := New("/pub", "", sampleEntries())
	assert.Equal(t, 5, l.Len())
	assert.True(t, l.HasDirs())

	l.Assign([]Entry{{Name: "a"}, {Name: "b"}})
	assert.Equal(t, 2, l.Len())
	assert.False(t, l.HasDirs())
	assert.Equal(t, []string{"a", "b"}, l.Names())
}

func TestCloneSharesStoreUntilWrite(t *testing.T) {
	a := New("/pub", "", sampleEntries())
	b := a.Clone()

	require.True(t, a.SharesStore(b))
	assert.Equal(t, int32(2), a.st.refs.Load())

	require.True(t, b.RemoveEntry(1))

	assert.False(t, a.SharesStore(b))
	assert.Equal(t, int32(1), a.st.refs.Load())
	assert.Equal(t, int32(1), b.st.refs.Load())

	assert.Equal(t, 5, a.Len())
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, "src", a.At(1).Name)
	assert.Equal(t, "readme", b.At(1).Name)
	assert.Zero(t, a.Unsure)
	assert.Equal(t, UnsureDirRemoved, b.Unsure)
}

func TestCopiedStoreSharesEntries(t *testing.T) {
	a := New("/pub", "", sampleEntries())
	b := a.Clone()
	b.RemoveEntry(4)

	// The surviving entries are shared between both stores
	assert.True(t, a.st.entries[0].Shared())
	assert.Equal(t, int32(2), a.st.entries[0].refCount())
	// The removed one is only referenced by a
	assert.False(t, a.st.entries[4].Shared())
}

func TestUpdateClonesOnlyTargetEntry(t *testing.T) {
	a := New("/pub", "", sampleEntries())
	b := a.Clone()

	b.Update(3, func(e *Entry) {
		e.Size = 1
		e.Unsure = true
	})

	assert.Equal(t, int64(900), a.At(3).Size)
	assert.False(t, a.At(3).Unsure)
	assert.Equal(t, int64(1), b.At(3).Size)
	assert.True(t, b.At(3).Unsure)

	// Untouched siblings stay shared across the two stores
	assert.True(t, a.st.entries[0].Shared())
	assert.False(t, a.st.entries[3].Shared())
	assert.False(t, b.st.entries[3].Shared())

	assert.False(t, a.HasUnsureEntry())
	assert.True(t, b.HasUnsureEntry())
}

func TestUpdateRenameInvalidatesIndex(t *testing.T) {
	l := New("/pub", "", sampleEntries())
	require.Equal(t, 3, l.FindFile("build.sh"))

	l.Update(3, func(e *Entry) { e.Name = "make.sh" })

	assert.Equal(t, -1, l.FindFile("build.sh"))
	assert.Equal(t, 3, l.FindFile("make.sh"))
}

func TestAtDoesNotClone(t *testing.T) {
	a := New("/pub", "", sampleEntries())
	b := a.Clone()

	_ = b.At(2)
	for range b.All() {
	}
	_ = b.FindFile("README")

	assert.True(t, a.SharesStore(b))
}

func TestRemoveEntry(t *testing.T) {
	l := New("/pub", "", sampleEntries())

	assert.False(t, l.RemoveEntry(-1))
	assert.False(t, l.RemoveEntry(5))

	require.Equal(t, 3, l.FindFile("build.sh"))
	require.Equal(t, 3, l.FindFileNoCase("BUILD.SH"))

	require.True(t, l.RemoveEntry(0))
	assert.Equal(t, 4, l.Len())
	assert.Equal(t, UnsureFileRemoved, l.Unsure)

	// Both indexes are rebuilt, not answered from stale positions
	assert.Zero(t, l.caseIndex.built)
	assert.Zero(t, l.noCaseIndex.built)
	assert.Equal(t, 2, l.FindFile("build.sh"))
	assert.Equal(t, 2, l.FindFileNoCase("Build.sh"))

	require.True(t, l.RemoveEntry(0))
	assert.Equal(t, UnsureFileRemoved|UnsureDirRemoved, l.Unsure)
}

func TestFindFileLowestIndex(t *testing.T) {
	l := New("/pub", "", sampleEntries())

	assert.Equal(t, 0, l.FindFile("README"))
	assert.Equal(t, 2, l.FindFile("readme"))
	assert.Equal(t, 0, l.FindFileNoCase("readme"))
	assert.Equal(t, 0, l.FindFileNoCase("ReadMe"))
}

func TestFindFileIsIncremental(t *testing.T) {
	l := New("/pub", "", sampleEntries())

	assert.Equal(t, 1, l.FindFile("src"))
	assert.Equal(t, 2, l.caseIndex.built)

	// A hit inside the built prefix does not scan
	assert.Equal(t, 0, l.FindFile("README"))
	assert.Equal(t, 2, l.caseIndex.built)

	assert.Equal(t, -1, l.FindFile("missing"))
	assert.Equal(t, 5, l.caseIndex.built)

	// Complete index answers misses without rescanning
	assert.Equal(t, -1, l.FindFile("missing"))
	assert.Equal(t, 5, l.caseIndex.built)
	assert.Equal(t, 4, len(l.caseIndex.positions))

	// The case-insensitive index is independent
	assert.Zero(t, l.noCaseIndex.built)
}

func TestFindFileEmpty(t *testing.T) {
	var l Listing
	assert.Equal(t, -1, l.FindFile("x"))
	assert.Equal(t, -1, l.FindFileNoCase("x"))
	assert.Zero(t, l.Len())
}

func TestSetCount(t *testing.T) {
	a := New("/pub", "", sampleEntries())
	b := a.Clone()

	_ = b.FindFile("missing")
	b.SetCount(2)
	assert.Equal(t, 2, b.Len())
	assert.Zero(t, b.caseIndex.built)
	assert.Equal(t, 5, a.Len())

	b.SetCount(4)
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, Entry{}, b.At(3))

	b.Update(3, func(e *Entry) { e.Name = "new" })
	assert.Equal(t, 3, b.FindFile("new"))

	b.SetCount(0)
	assert.Zero(t, b.Len())
	assert.Nil(t, b.st)
	assert.Equal(t, 5, a.Len())
}

func TestReleaseFreesAtZero(t *testing.T) {
	a := New("/pub", "", sampleEntries())
	b := a.Clone()
	st := a.st
	entry := st.entries[0]

	a.Release()
	assert.Equal(t, int32(1), st.refs.Load())
	assert.Equal(t, int32(1), entry.refCount())
	assert.Equal(t, 5, b.Len())

	b.Release()
	assert.Equal(t, int32(0), st.refs.Load())
	assert.Zero(t, b.Len())
}

func TestEntryEqual(t *testing.T) {
	when := time.Date(2024, 9, 24, 10, 30, 0, 0, time.UTC)
	base := Entry{Name: "a", Size: 1, Time: when, Precision: PrecisionDateTime}

	tests := []struct {
		name  string
		other Entry
		equal bool
	}{
		{"identical", base, true},
		{"different size", Entry{Name: "a", Size: 2, Time: when, Precision: PrecisionDateTime}, false},
		{"different time", Entry{Name: "a", Size: 1, Time: when.Add(time.Minute), Precision: PrecisionDateTime}, false},
		{"different precision", Entry{Name: "a", Size: 1, Time: when, Precision: PrecisionDate}, false},
		{"unsure", Entry{Name: "a", Size: 1, Time: when, Precision: PrecisionDateTime, Unsure: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, base.Equal(tt.other))
		})
	}

	// Without a date the time value is ignored
	x := Entry{Name: "b", Time: when}
	y := Entry{Name: "b", Time: when.Add(time.Hour)}
	assert.True(t, x.Equal(y))
}

func TestEntryObjectMutable(t *testing.T) {
	o := NewEntryObject(Entry{Name: "a"})
	c := o.Clone()
	require.True(t, o.Shared())

	c.Mutable().Name = "b"
	assert.Equal(t, "a", o.Entry().Name)
	assert.Equal(t, "b", c.Entry().Name)
	assert.False(t, o.Shared())
	assert.False(t, c.Shared())

	var zero EntryObject
	assert.Equal(t, Entry{}, zero.Entry())
	zero.Mutable().Name = "z"
	assert.Equal(t, "z", zero.Entry().Name)

	c.Release()
	assert.Equal(t, Entry{}, c.Entry())
}

func TestEntryDump(t *testing.T) {
	e := Entry{Name: "x", Size: 3, Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Precision: PrecisionDate}
	out := e.Dump()
	assert.Contains(t, out, "name=x\n")
	assert.Contains(t, out, "date=2024-01-02\n")
	assert.NotContains(t, out, "time=")
}
