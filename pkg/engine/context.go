package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-dispatch/pkg/domain"
)

// Context is the mutable, string-keyed value bag of one in-flight operation.
// Filters and the parameter binder read it; handlers mutate it through their
// continuation. A Context belongs to a single pipeline invocation and is not
// safe for concurrent use.
type Context interface {
	// Get returns the value for key, or nil when absent.
	Get(key string) any
	TryGet(key string) (any, bool)
	// Set inserts or overwrites key.
	Set(key string, value any) Context
	// Add inserts key and fails with domain.ErrDuplicateKey if it exists.
	Add(key string, value any) error
	Remove(key string) Context
	// Replace overwrites existing keys and fails with domain.ErrMissingKey,
	// writing nothing, if any key is absent.
	Replace(pairs ...Pair) error
	// Keys returns the present keys in sorted order.
	Keys() []string
}

// Properties is implemented by typed contexts that expose named properties
// to the parameter binder. Names are leading-letter-capitalized ("Id" for a
// parameter named "id").
type Properties interface {
	Property(name string) (any, bool)
}

// Pair is a key/value entry used to build and replace context values.
type Pair struct {
	Key   string
	Value any
}

// P builds a Pair.
func P(key string, value any) Pair {
	return Pair{Key: key, Value: value}
}

// MapContext is the default Context implementation.
type MapContext struct {
	values map[string]any
}

// NewContext creates a MapContext holding pairs. Later pairs overwrite
// earlier ones with the same key.
func NewContext(pairs ...Pair) *MapContext {
	c := &MapContext{values: make(map[string]any, len(pairs))}
	for _, p := range pairs {
		c.values[p.Key] = p.Value
	}
	return c
}

// FromMap creates a MapContext holding a copy of values.
func FromMap(values map[string]any) *MapContext {
	c := &MapContext{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *MapContext) ensure() {
	if c.values == nil {
		c.values = make(map[string]any)
	}
}

// Get implements Context.
func (c *MapContext) Get(key string) any {
	v, _ := c.TryGet(key)
	return v
}

// TryGet implements Context.
func (c *MapContext) TryGet(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set implements Context.
func (c *MapContext) Set(key string, value any) Context {
	c.ensure()
	c.values[key] = value
	return c
}

// Add implements Context.
func (c *MapContext) Add(key string, value any) error {
	c.ensure()
	if _, exists := c.values[key]; exists {
		return fmt.Errorf("add %q: %w", key, domain.ErrDuplicateKey)
	}
	c.values[key] = value
	return nil
}

// Remove implements Context.
func (c *MapContext) Remove(key string) Context {
	delete(c.values, key)
	return c
}

// Replace implements Context.
func (c *MapContext) Replace(pairs ...Pair) error {
	for _, p := range pairs {
		if _, ok := c.values[p.Key]; !ok {
			return fmt.Errorf("replace %q: %w", p.Key, domain.ErrMissingKey)
		}
	}
	for _, p := range pairs {
		c.values[p.Key] = p.Value
	}
	return nil
}

// Keys implements Context.
func (c *MapContext) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the stored values.
func (c *MapContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *MapContext) String() string {
	return describeContext(c)
}

// Snapshot copies the values of any Context.
func Snapshot(pc Context) map[string]any {
	if mc, ok := pc.(*MapContext); ok {
		return mc.Snapshot()
	}
	keys := pc.Keys()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = pc.Get(k)
	}
	return out
}

func describeContext(pc Context) string {
	var sb strings.Builder
	sb.WriteString(contextTypeName(pc))
	for _, k := range pc.Keys() {
		fmt.Fprintf(&sb, "\n  -> %s == %v", k, pc.Get(k))
	}
	return sb.String()
}

func contextTypeName(pc Context) string {
	return fmt.Sprintf("%T", pc)
}
