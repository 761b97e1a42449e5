package negotiate

import (
	"sync"

	"github.com/m4xw311/appuse/llm"
)

// Cache remembers the negotiated method and the connection check outcome
// per model identity. It can be shared by several engines.
type Cache struct {
	methods  sync.Map // llm.Identity -> llm.Method
	verified sync.Map // llm.Identity -> bool
	explicit sync.Map // explicitKey -> bool
}

func NewCache() *Cache { return &Cache{} }

// Method returns the cached method for id.
func (c *Cache) Method(id llm.Identity) (llm.Method, bool) {
	v, ok := c.methods.Load(id)
	if !ok {
		return "", false
	}
	return v.(llm.Method), true
}

// Store records m for id unless a method is already cached, and returns
// the method that ends up cached.
func (c *Cache) Store(id llm.Identity, m llm.Method) llm.Method {
	v, _ := c.methods.LoadOrStore(id, m)
	return v.(llm.Method)
}

// Verified reports whether the connection sanity check passed for id.
func (c *Cache) Verified(id llm.Identity) bool {
	v, ok := c.verified.Load(id)
	return ok && v.(bool)
}

// MarkVerified records the sanity check outcome for id.
func (c *Cache) MarkVerified(id llm.Identity, ok bool) {
	c.verified.Store(id, ok)
}

type explicitKey struct {
	id     llm.Identity
	method llm.Method
}

// Validated reports whether an explicitly requested method already passed
// its probe for id.
func (c *Cache) Validated(id llm.Identity, m llm.Method) bool {
	_, ok := c.explicit.Load(explicitKey{id, m})
	return ok
}

// MarkValidated records a passed probe for an explicit request.
func (c *Cache) MarkValidated(id llm.Identity, m llm.Method) {
	c.explicit.Store(explicitKey{id, m}, true)
}
