package engine

import (
	"context"
	"fmt"
)

// Filter is a declarative predicate deciding whether a handler applies to a
// context. Filters sharing an axis on the same node are OR-combined; distinct
// axes are AND-combined. Accepts must read context values through the
// Context interface so the graph can learn which keys influence selection.
type Filter interface {
	Axis() string
	Accepts(ctx context.Context, pc Context) (bool, error)
}

// filterGroup holds the filters of one axis.
type filterGroup struct {
	axis    string
	filters []Filter
}

// groupFilters partitions filters by axis, keeping first-seen axis order.
func groupFilters(filters []Filter) []filterGroup {
	index := make(map[string]int)
	var groups []filterGroup
	for _, f := range filters {
		i, ok := index[f.Axis()]
		if !ok {
			i = len(groups)
			index[f.Axis()] = i
			groups = append(groups, filterGroup{axis: f.Axis()})
		}
		groups[i].filters = append(groups[i].filters, f)
	}
	return groups
}

func (g filterGroup) accepts(ctx context.Context, pc Context) (bool, error) {
	for _, f := range g.filters {
		ok, err := f.Accepts(ctx, pc)
		if err != nil {
			return false, fmt.Errorf("filter %q: %w", g.axis, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// visit evaluates every filter regardless of outcome so a recording context
// observes every key any filter may read. A failing filter may have stopped
// before reading its other keys, so its error is returned.
func (g filterGroup) visit(ctx context.Context, pc Context) error {
	for _, f := range g.filters {
		if _, err := f.Accepts(ctx, pc); err != nil {
			return fmt.Errorf("filter %q: %w", g.axis, err)
		}
	}
	return nil
}

// acceptsAll reports whether every group accepts pc. No groups always accept.
func acceptsAll(ctx context.Context, groups []filterGroup, pc Context) (bool, error) {
	for _, g := range groups {
		ok, err := g.accepts(ctx, pc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
