// Package syncer reconciles a host tree and a world tree. A sync is
// planned in full (filters, conflicts, size guard, content reads) before
// the destination is touched, so it applies everything or nothing.
package syncer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/moby/patternmatcher"
)

// Direction is which side receives changes.
type Direction string

const (
	ToHost  Direction = "to_host"
	ToWorld Direction = "to_world"
)

// ParseDirection accepts to_host/to-host/host and to_world/to-world/world.
func ParseDirection(s string) (Direction, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "-", "_") {
	case "to_host", "host":
		return ToHost, nil
	case "to_world", "world":
		return ToWorld, nil
	}
	return "", fmt.Errorf("invalid sync direction %q (to_host or to_world)", s)
}

// ConflictPolicy decides what happens when both sides changed a path
// since the last known-sync point.
type ConflictPolicy string

const (
	PreferHost  ConflictPolicy = "prefer_host"
	PreferWorld ConflictPolicy = "prefer_world"
	Manual      ConflictPolicy = "manual"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "-", "_") {
	case "prefer_host", "host":
		return PreferHost, nil
	case "prefer_world", "world":
		return PreferWorld, nil
	case "manual":
		return Manual, nil
	}
	return "", fmt.Errorf("invalid conflict policy %q (prefer_host, prefer_world or manual)", s)
}

// Plan is derived from config and flags at sync time. It is never
// persisted.
type Plan struct {
	Direction      Direction
	ConflictPolicy ConflictPolicy
	Excludes       *Excludes
	SizeGuardBytes uint64
	DryRun         bool
}

// Excludes is a set of dockerignore-style patterns. Unlike the protected
// set, excludes may use "!" to re-include paths.
type Excludes struct {
	mu       sync.Mutex
	patterns []string
	matcher  *patternmatcher.PatternMatcher
}

// NewExcludes compiles patterns. Blank entries are ignored.
func NewExcludes(patterns []string) (*Excludes, error) {
	var clean []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	pm, err := patternmatcher.New(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &Excludes{patterns: clean, matcher: pm}, nil
}

// Patterns returns the compiled patterns.
func (e *Excludes) Patterns() []string {
	if e == nil {
		return nil
	}
	return append([]string{}, e.patterns...)
}

// Match reports whether rel or one of its parents is excluded.
func (e *Excludes) Match(rel string) bool {
	if e == nil || len(e.patterns) == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	matched, err := e.matcher.MatchesOrParentMatches(rel)
	return err == nil && matched
}
