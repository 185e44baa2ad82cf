package ftpengine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpengine/listing"
)

func TestMemoryCache(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	srv := Server{Host: "h", Port: 21, User: "u"}

	_, ok := c.Lookup(srv, "/pub", "")
	assert.False(t, ok)

	l := listing.New("/pub", "", []listing.Entry{{Name: "a"}, {Name: "b"}})
	c.Store(srv, l)

	got, ok := c.Lookup(srv, "/pub", "")
	require.True(t, ok)
	assert.True(t, got.SharesStore(l))
	assert.Equal(t, []string{"a", "b"}, got.Names())

	// Writing through a looked-up handle does not change the cache
	got.RemoveEntry(0)
	again, ok := c.Lookup(srv, "/pub", "")
	require.True(t, ok)
	assert.Equal(t, 2, again.Len())
	got.Release()
	again.Release()

	// Other servers and sub-directories are separate keys
	_, ok = c.Lookup(Server{Host: "other", Port: 21, User: "u"}, "/pub", "")
	assert.False(t, ok)
	_, ok = c.Lookup(srv, "/pub", "sub")
	assert.False(t, ok)

	// Store replaces
	c.Store(srv, listing.New("/pub", "", []listing.Entry{{Name: "c"}}))
	got, ok = c.Lookup(srv, "/pub", "")
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, got.Names())
	got.Release()

	// The caller keeps its handle
	assert.Equal(t, 2, l.Len())
	l.Release()
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCacheInvalidate(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	a := Server{Host: "a", Port: 21}
	b := Server{Host: "b", Port: 21}

	c.Store(a, listing.New("/", "", nil))
	c.Store(a, listing.New("/pub", "", nil))
	c.Store(b, listing.New("/", "", nil))

	assert.Equal(t, 2, c.Invalidate(a))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup(b, "/", "")
	assert.True(t, ok)
}

func TestMemoryCacheConcurrent(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	srv := Server{Host: "h", Port: 21}
	c.Store(srv, listing.New("/", "", []listing.Entry{{Name: "x"}}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if l, ok := c.Lookup(srv, "/", ""); ok {
					_ = l.FindFile("x")
					l.Release()
				}
				c.Store(srv, listing.New("/", "", []listing.Entry{{Name: "x"}}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Len())
}
