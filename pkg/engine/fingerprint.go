package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

// probeContext records every key a filter reads. Reads always succeed with an
// empty string so that filters walk their full logic during the probe.
type probeContext struct {
	MapContext
	keys map[string]struct{}
}

func newProbeContext() *probeContext {
	return &probeContext{keys: make(map[string]struct{})}
}

func (p *probeContext) TryGet(key string) (any, bool) {
	p.keys[key] = struct{}{}
	return "", true
}

func (p *probeContext) Get(key string) any {
	v, _ := p.TryGet(key)
	return v
}

func (p *probeContext) probed() []string {
	keys := make([]string, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fingerprinter hashes the context values that influence node selection.
type Fingerprinter struct {
	keys []string
}

// Keys returns the probed keys in hashing order.
func (f *Fingerprinter) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Fingerprint returns the hex SHA-256 of the probed keys' string values and
// the concrete context type. Contexts agreeing on both share a chain.
func (f *Fingerprinter) Fingerprint(pc Context) string {
	if pc == nil {
		panic("engine: fingerprint of nil context")
	}
	h := sha256.New()
	for _, key := range f.keys {
		if v, ok := pc.TryGet(key); ok {
			writeField(h, "=", fmt.Sprint(v))
		} else {
			writeField(h, "!", "")
		}
	}
	writeField(h, "#", contextTypeName(pc))
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a marked field followed by a null delimiter so adjacent
// values cannot run together.
func writeField(h hash.Hash, marker, value string) {
	h.Write([]byte(marker))
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// metadataGenerator projects the probed keys of a context into measurement
// metadata.
type metadataGenerator struct {
	keys []string
}

func (g metadataGenerator) generate(pc Context) map[string]string {
	info := make(map[string]string, len(g.keys)+2)
	info[runtime.MetadataContextType] = contextTypeName(pc)
	for _, key := range g.keys {
		if v, ok := pc.TryGet(key); ok {
			info[key] = fmt.Sprint(v)
		}
	}
	return info
}
