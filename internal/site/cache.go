package site

import (
	"container/list"
	"sync"

	"github.com/example/storymap-studio/internal/types"
)

// cacheEntry stores the public view of one site. Cached slices are shared by
// readers and must not be mutated.
type cacheEntry struct {
	Path    string
	Journal Journal
	Album   []*types.Memory
}

// journalCache is an LRU of public journals keyed by site path. Every
// invalidation bumps version; fills computed against an older version are
// dropped so a read racing a write never caches the stale rows.
type journalCache struct {
	mu       sync.Mutex
	capacity int
	version  uint64
	ll       *list.List
	items    map[string]*list.Element
}

func newJournalCache(capacity int) *journalCache {
	if capacity < 1 {
		capacity = 1
	}
	return &journalCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Version returns the token a later Put must present.
func (c *journalCache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *journalCache) Get(path string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[path]
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return cacheEntry{}, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	c.ll.MoveToFront(item)
	return item.Value.(cacheEntry), true
}

func (c *journalCache) PutJournal(path string, journal Journal, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version != c.version {
		return
	}
	entry := cacheEntry{Path: path, Journal: journal}
	if element, ok := c.items[path]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(entry)
	c.items[path] = element

	if c.ll.Len() > c.capacity {
		if last := c.ll.Back(); last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cacheEntry).Path)
		}
	}
}

// PutAlbum attaches the album to a cached journal. It is a no-op when the
// journal was evicted or invalidated since version was taken.
func (c *journalCache) PutAlbum(path string, album []*types.Memory, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version != c.version {
		return
	}
	element, ok := c.items[path]
	if !ok {
		return
	}
	entry := element.Value.(cacheEntry)
	entry.Album = album
	element.Value = entry
}

// InvalidateSite drops every entry that belongs to site and reports how many
// were removed.
func (c *journalCache) InvalidateSite(site types.SiteID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	removed := 0
	for path, element := range c.items {
		if element.Value.(cacheEntry).Journal.Site.ID != site {
			continue
		}
		c.ll.Remove(element)
		delete(c.items, path)
		removed++
	}
	return removed
}

func (c *journalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
