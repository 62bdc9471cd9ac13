package cdc

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ColumnFilter matches column names against glob patterns
type ColumnFilter struct {
	globs []glob.Glob
}

// NewColumnFilter compiles the patterns. An empty pattern list matches nothing.
func NewColumnFilter(patterns []string) (*ColumnFilter, error) {
	filter := &ColumnFilter{
		globs: make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid column pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}

	return filter, nil
}

// Match reports whether column matches any pattern
func (f *ColumnFilter) Match(column string) bool {
	if f == nil {
		return false
	}
	for _, g := range f.globs {
		if g.Match(column) {
			return true
		}
	}
	return false
}
