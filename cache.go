package ftpengine

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gonzalop/ftpengine/listing"
)

// DirectoryCache stores listings per server.
//
// Lookup returns a handle the caller owns and must Release. Store keeps its
// own reference; the caller keeps ownership of the handle it passed in.
type DirectoryCache interface {
	Lookup(server Server, path, subDir string) (*listing.Listing, bool)
	Store(server Server, l *listing.Listing)
}

type cacheKey struct {
	server string
	path   string
	subDir string
}

// MemoryCache is an unbounded in-memory DirectoryCache safe for concurrent
// use. Cached listings share their entry stores with the handles given out,
// so a lookup costs one reference count.
type MemoryCache struct {
	listings *xsync.Map[cacheKey, *listing.Listing]
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{listings: xsync.NewMap[cacheKey, *listing.Listing]()}
}

// Lookup returns a fresh handle on the cached listing for path and subDir.
func (c *MemoryCache) Lookup(server Server, path, subDir string) (*listing.Listing, bool) {
	var out *listing.Listing
	c.listings.Compute(cacheKey{server.Key(), path, subDir},
		func(cur *listing.Listing, loaded bool) (*listing.Listing, xsync.ComputeOp) {
			if loaded {
				out = cur.Clone()
			}
			return cur, xsync.CancelOp
		})
	return out, out != nil
}

// Store caches a clone of l under its Path and SubDir, replacing any
// previous listing for the same directory.
func (c *MemoryCache) Store(server Server, l *listing.Listing) {
	clone := l.Clone()
	c.listings.Compute(cacheKey{server.Key(), l.Path, l.SubDir},
		func(cur *listing.Listing, loaded bool) (*listing.Listing, xsync.ComputeOp) {
			if loaded {
				cur.Release()
			}
			return clone, xsync.UpdateOp
		})
}

// Invalidate drops every listing cached for server.
func (c *MemoryCache) Invalidate(server Server) int {
	key := server.Key()
	var keys []cacheKey
	c.listings.Range(func(k cacheKey, _ *listing.Listing) bool {
		if k.server == key {
			keys = append(keys, k)
		}
		return true
	})

	for _, k := range keys {
		c.remove(k)
	}
	return len(keys)
}

// Len returns the number of cached listings.
func (c *MemoryCache) Len() int {
	return c.listings.Size()
}

func (c *MemoryCache) remove(k cacheKey) {
	c.listings.Compute(k, func(cur *listing.Listing, loaded bool) (*listing.Listing, xsync.ComputeOp) {
		if loaded {
			cur.Release()
		}
		return nil, xsync.DeleteOp
	})
}
