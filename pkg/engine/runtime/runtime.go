// Package runtime defines the contracts shared by the pipeline executor and
// the instrumentation backends, keeping measurement concerns decoupled from
// execution mechanics.
package runtime

import "context"

// MeasurementName is the name every pipeline hop is tracked under.
const MeasurementName = "pipeline"

// Metadata keys attached to every hop measurement in addition to the probed
// context keys.
const (
	MetadataContextType = "context.type"
	MetadataHandler     = "handler"
)

// Scope is an open measurement. End is called exactly once when the wrapped
// call returns, whether it succeeded or not.
type Scope interface {
	End(err error)
}

// Tracker starts named measurements. The returned context carries the scope
// for nested measurements (e.g. a span parent).
type Tracker interface {
	Track(ctx context.Context, name string, metadata map[string]string) (context.Context, Scope)
}

// NopTracker discards all measurements. A pipeline manager configured with a
// NopTracker (or no tracker) builds uninstrumented chains.
type NopTracker struct{}

// Track implements Tracker.
func (NopTracker) Track(ctx context.Context, _ string, _ map[string]string) (context.Context, Scope) {
	return ctx, nopScope{}
}

type nopScope struct{}

func (nopScope) End(error) {}

// IsNop reports whether t disables instrumentation.
func IsNop(t Tracker) bool {
	switch tt := t.(type) {
	case nil, NopTracker, *NopTracker:
		return true
	case MultiTracker:
		for _, inner := range tt {
			if !IsNop(inner) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MultiTracker fans a measurement out to several trackers. Scopes end in
// reverse start order.
type MultiTracker []Tracker

// Track implements Tracker.
func (m MultiTracker) Track(ctx context.Context, name string, metadata map[string]string) (context.Context, Scope) {
	scopes := make(multiScope, 0, len(m))
	for _, t := range m {
		if IsNop(t) {
			continue
		}
		var s Scope
		ctx, s = t.Track(ctx, name, metadata)
		scopes = append(scopes, s)
	}
	return ctx, scopes
}

type multiScope []Scope

func (s multiScope) End(err error) {
	for i := len(s) - 1; i >= 0; i-- {
		s[i].End(err)
	}
}
