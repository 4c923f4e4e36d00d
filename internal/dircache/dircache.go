// Package dircache pools decoded Directory objects by digest so repeated
// traversals skip the codec. A small LRU of strong references keeps the
// most recently used directories alive; everything else is reachable only
// through a weak index and may be reclaimed by the collector. Stale index
// slots are pruned lazily on lookups and periodically on inserts, which
// stands in for the destructor hook the design calls for.
//
// The cache is designed for a single-threaded owner. The kernel owns one
// instance; embedders sharing a kernel across goroutines serialize access
// themselves.
package dircache

import (
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"

	"casbak/internal/dirent"
)

const pruneEvery = 128

type Cache struct {
	ring  *lru.Cache[string, *dirent.Directory]
	index map[string]weak.Pointer[dirent.Directory]
	puts  int
}

// New creates a cache whose strong ring holds ringSize directories.
func New(ringSize int) (*Cache, error) {
	if ringSize <= 0 {
		ringSize = 64
	}
	ring, err := lru.New[string, *dirent.Directory](ringSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		ring:  ring,
		index: make(map[string]weak.Pointer[dirent.Directory]),
	}, nil
}

// Get returns the live directory for digest, or nil. A hit refreshes the
// directory's slot in the strong ring.
func (c *Cache) Get(digest string) *dirent.Directory {
	p, ok := c.index[digest]
	if !ok {
		return nil
	}
	d := p.Value()
	if d == nil {
		delete(c.index, digest)
		return nil
	}
	c.ring.Add(digest, d)
	return d
}

// Put makes dir retrievable by its digest and protects it from
// reclamation while it stays within the ring's retention window.
func (c *Cache) Put(dir *dirent.Directory) {
	if dir == nil || dir.Digest == "" {
		return
	}
	c.index[dir.Digest] = weak.Make(dir)
	c.ring.Add(dir.Digest, dir)
	c.puts++
	if c.puts%pruneEvery == 0 {
		c.prune()
	}
}

func (c *Cache) prune() {
	for digest, p := range c.index {
		if p.Value() == nil {
			delete(c.index, digest)
		}
	}
}

// Len counts index slots, live or not yet pruned.
func (c *Cache) Len() int {
	return len(c.index)
}
