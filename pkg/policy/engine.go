package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default decision path (e.g. "pipelines/allow").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Engine evaluates boolean Rego decisions over flat inputs.
type Engine struct {
	entrypoint string
	// modules are the parsed modules as rego options, in module name order.
	modules []func(*rego.Rego)
	cache   *decisionCache

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "pipelines/allow"
	defaultCacheCapacity = 1024
)

// NewEngine parses the modules and prepares the default entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	e := &Engine{
		entrypoint: strings.TrimSpace(opts.Entrypoint),
		queries:    make(map[string]*rego.PreparedEvalQuery),
	}
	if e.entrypoint == "" {
		e.entrypoint = defaultEntrypoint
	}

	switch size := opts.CacheMaxEntries; {
	case size == 0:
		e.cache = newDecisionCache(defaultCacheCapacity)
	case size > 0:
		e.cache = newDecisionCache(size)
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		e.modules = append(e.modules, rego.ParsedModule(module))
	}

	if _, err := e.prepared(ctx, e.entrypoint); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return e, nil
}

// Entrypoint returns the default decision path.
func (e *Engine) Entrypoint() string { return e.entrypoint }

// Allowed evaluates entry (or the default entrypoint) against input. An
// undefined decision is a denial.
func (e *Engine) Allowed(ctx context.Context, entry string, input map[string]any) (bool, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		entry = e.entrypoint
	}

	cacheKey := ""
	if e.cache != nil {
		cacheKey = buildCacheKey(entry, input)
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	query, err := e.prepared(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}

	allowed := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		switch v := results[0].Expressions[0].Value.(type) {
		case bool:
			allowed = v
		default:
			return false, fmt.Errorf("opa decision %q: unexpected result type %T", entry, v)
		}
	}

	if e.cache != nil {
		e.cache.Add(cacheKey, allowed)
	}
	return allowed, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// prepared returns the query for entry, preparing it on first use. The
// first prepared query for an entry is kept.
func (e *Engine) prepared(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	q, ok := e.queries[entry]
	e.mu.RUnlock()
	if ok {
		return q, nil
	}

	opts := append([]func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}, e.modules...)
	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queries[entry]; ok {
		return q, nil
	}
	e.queries[entry] = &pq
	return &pq, nil
}

// buildCacheKey hashes the entrypoint and the input in key order.
func buildCacheKey(entry string, input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	writeCacheKeyField(h, entry)
	for _, k := range keys {
		writeCacheKeyField(h, k)
		writeCacheKeyField(h, fmt.Sprintf("%T:%v", input[k], input[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value bool
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}

	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
