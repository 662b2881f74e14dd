package sync

import gosync "sync"

// NameCache maps group ids to display names for screens that render a
// group reference without subscribing to the group document. It is owned
// by the engine and lives for the process session; there is no eviction.
type NameCache struct {
	mu    gosync.RWMutex
	names map[string]string
}

func NewNameCache() *NameCache {
	return &NameCache{names: make(map[string]string)}
}

// Get returns the cached name for a group id.
func (c *NameCache) Get(groupID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[groupID]
	return name, ok
}

// Put records or replaces the name for a group id.
func (c *NameCache) Put(groupID, name string) {
	c.mu.Lock()
	c.names[groupID] = name
	c.mu.Unlock()
}
