package distance

import "github.com/danmuck/rangectl/internal/hci"

// CapabilityCache holds the local controller capabilities for the lifetime of
// the manager. It is owned by the manager's handler and is not safe for
// concurrent use.
type CapabilityCache struct {
	local *hci.Capabilities
}

func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{}
}

func (c *CapabilityCache) Local() (hci.Capabilities, bool) {
	if c.local == nil {
		return hci.Capabilities{}, false
	}
	return *c.local, true
}

func (c *CapabilityCache) StoreLocal(caps hci.Capabilities) {
	c.local = &caps
}

// Invalidate forgets the cached value, as after a controller reset.
func (c *CapabilityCache) Invalidate() {
	c.local = nil
}
