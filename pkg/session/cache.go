package session

import "sort"

// Cache maps manifest paths to their latest optimization. It does no I/O and
// has no eviction; entries leave only through Remove or Clear. Callers
// serialize access.
type Cache struct {
	records map[string]OptimizationRecord
}

func NewCache() *Cache {
	return &Cache{records: make(map[string]OptimizationRecord)}
}

// Put inserts or overwrites the record for path.
func (c *Cache) Put(path string, rec OptimizationRecord) {
	c.records[path] = rec
}

func (c *Cache) Get(path string) (OptimizationRecord, bool) {
	rec, ok := c.records[path]
	return rec, ok
}

// Remove deletes path. Removing an absent path is a no-op.
func (c *Cache) Remove(path string) {
	delete(c.records, path)
}

// Keys returns the cached paths in lexical order.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) Len() int {
	return len(c.records)
}

func (c *Cache) Clear() {
	c.records = make(map[string]OptimizationRecord)
}
