// Package filters provides the built-in handler filters.
//
// Every filter reads the context through engine.Context so the graph can
// learn which keys drive selection. Absent keys never match.
package filters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/polisai/polis-dispatch/pkg/engine"
)

// Well-known axes and keys.
const (
	AxisMethod      = "method"
	AxisContentType = "contentType"

	KeyMethod      = "method"
	KeyContentType = "contentType"
)

// PropertyFilter matches a context value against a regular expression. Its
// axis is the key it reads.
type PropertyFilter struct {
	key     string
	pattern *regexp.Regexp
}

// Property builds a PropertyFilter and panics on an invalid pattern, for use
// in handler declarations.
func Property(key, pattern string) *PropertyFilter {
	f, err := CompileProperty(key, pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// CompileProperty builds a PropertyFilter.
func CompileProperty(key, pattern string) (*PropertyFilter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("property filter %q: %w", key, err)
	}
	return &PropertyFilter{key: key, pattern: re}, nil
}

func (f *PropertyFilter) Axis() string { return f.key }

func (f *PropertyFilter) Accepts(_ context.Context, pc engine.Context) (bool, error) {
	v, ok := pc.TryGet(f.key)
	if !ok || v == nil {
		return false, nil
	}
	return f.pattern.MatchString(fmt.Sprint(v)), nil
}

func (f *PropertyFilter) String() string {
	return fmt.Sprintf("%s ~ /%s/", f.key, f.pattern)
}

// ExactFilter matches when a context value equals one of a fixed set.
type ExactFilter struct {
	axis       string
	key        string
	values     []string
	ignoreCase bool
}

// Exact matches key against values, case-sensitively.
func Exact(axis, key string, values ...string) *ExactFilter {
	return &ExactFilter{axis: axis, key: key, values: values}
}

// Method matches the request method, case-insensitively.
func Method(values ...string) *ExactFilter {
	return &ExactFilter{axis: AxisMethod, key: KeyMethod, values: values, ignoreCase: true}
}

func (f *ExactFilter) Axis() string { return f.axis }

func (f *ExactFilter) Accepts(_ context.Context, pc engine.Context) (bool, error) {
	v, ok := pc.TryGet(f.key)
	if !ok || v == nil {
		return false, nil
	}
	s := fmt.Sprint(v)
	for _, want := range f.values {
		if s == want || (f.ignoreCase && strings.EqualFold(s, want)) {
			return true, nil
		}
	}
	return false, nil
}

func (f *ExactFilter) String() string {
	return fmt.Sprintf("%s in %v", f.key, f.values)
}

// ContentTypeFilter matches the media type of the context's content type,
// ignoring parameters and case.
type ContentTypeFilter struct {
	types []string
}

// ContentType matches any of the given media types. A type ending in "/*"
// matches the whole top-level type.
func ContentType(types ...string) *ContentTypeFilter {
	normalized := make([]string, len(types))
	for i, t := range types {
		normalized[i] = mediaType(t)
	}
	return &ContentTypeFilter{types: normalized}
}

func (f *ContentTypeFilter) Axis() string { return AxisContentType }

func (f *ContentTypeFilter) Accepts(_ context.Context, pc engine.Context) (bool, error) {
	v, ok := pc.TryGet(KeyContentType)
	if !ok || v == nil {
		return false, nil
	}
	got := mediaType(fmt.Sprint(v))
	for _, want := range f.types {
		if prefix, wildcard := strings.CutSuffix(want, "/*"); wildcard {
			if top, _, _ := strings.Cut(got, "/"); top == prefix {
				return true, nil
			}
			continue
		}
		if got == want {
			return true, nil
		}
	}
	return false, nil
}

func mediaType(s string) string {
	t, _, _ := strings.Cut(s, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

// GlobFilter matches a context value against shell-style patterns. Its axis
// is the key it reads.
type GlobFilter struct {
	key      string
	patterns []string
	globs    []glob.Glob
}

// Glob builds a GlobFilter and panics on an invalid pattern. Patterns use
// '/' as separator, so '*' stays within a path segment and '**' spans them.
func Glob(key string, patterns ...string) *GlobFilter {
	f, err := CompileGlob(key, patterns...)
	if err != nil {
		panic(err)
	}
	return f
}

// CompileGlob builds a GlobFilter.
func CompileGlob(key string, patterns ...string) (*GlobFilter, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("glob filter %q: pattern %q: %w", key, p, err)
		}
		globs = append(globs, g)
	}
	return &GlobFilter{key: key, patterns: patterns, globs: globs}, nil
}

func (f *GlobFilter) Axis() string { return f.key }

func (f *GlobFilter) Accepts(_ context.Context, pc engine.Context) (bool, error) {
	v, ok := pc.TryGet(f.key)
	if !ok || v == nil {
		return false, nil
	}
	s := fmt.Sprint(v)
	for _, g := range f.globs {
		if g.Match(s) {
			return true, nil
		}
	}
	return false, nil
}

func (f *GlobFilter) String() string {
	return fmt.Sprintf("%s glob %v", f.key, f.patterns)
}

// FuncFilter adapts a predicate to engine.Filter.
type FuncFilter struct {
	axis string
	fn   func(ctx context.Context, pc engine.Context) (bool, error)
}

// Func builds a filter on axis from fn. fn must read the context through pc
// for its keys to take part in fingerprinting.
func Func(axis string, fn func(ctx context.Context, pc engine.Context) (bool, error)) *FuncFilter {
	return &FuncFilter{axis: axis, fn: fn}
}

func (f *FuncFilter) Axis() string { return f.axis }

func (f *FuncFilter) Accepts(ctx context.Context, pc engine.Context) (bool, error) {
	return f.fn(ctx, pc)
}
