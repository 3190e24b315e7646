// Package filter selects which workspaces of a profile are scanned.
package filter

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter controls which workspaces to include in a scan.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// New compiles include and exclude glob patterns. An empty include list
// admits every workspace.
func New(include, exclude []string) (*Filter, error) {
	inc, err := compile(include)
	if err != nil {
		return nil, fmt.Errorf("compile include: %w", err)
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude: %w", err)
	}
	return &Filter{include: inc, exclude: exc}, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match returns true if the workspace passes the filter.
func (f *Filter) Match(workspace string) bool {
	// Check include patterns (whitelist) - ANY must match
	if len(f.include) > 0 && !matchAny(f.include, workspace) {
		return false
	}

	// Check exclude patterns (blacklist) - ANY match excludes
	return !matchAny(f.exclude, workspace)
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Apply returns only workspaces that pass the filter, preserving order.
func (f *Filter) Apply(workspaces []string) []string {
	if f.IsEmpty() {
		return workspaces
	}

	filtered := make([]string, 0, len(workspaces))
	for _, ws := range workspaces {
		if f.Match(ws) {
			filtered = append(filtered, ws)
		}
	}
	return filtered
}

// IsEmpty returns true if no patterns are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0
}
