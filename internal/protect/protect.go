// Package protect holds the set of paths that sync must never write,
// delete or read back, whatever the profile or sync configuration says.
package protect

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/moby/patternmatcher"
)

// HardcodedPatterns are relative patterns (dockerignore syntax) protected
// in every tree: version control metadata, sockets and broker state.
var HardcodedPatterns = []string{
	"**/.git",
	"**/.hg",
	"**/.svn",
	"**/.bzr",
	"**/.jj",
	"**/*.sock",
	"**/.world",
	"**/.world-staging",
}

// Set is a ProtectedPathSet. Relative patterns apply inside a sync root;
// absolute paths (the broker socket, the state directory) apply wherever
// they happen to fall under a root.
type Set struct {
	mu       sync.Mutex
	patterns []string
	matcher  *patternmatcher.PatternMatcher
	absolute []string
}

// New builds a Set from the hardcoded patterns plus extra. Entries of
// extra that start with "/" or "~" are treated as absolute paths.
// Negated patterns are rejected: nothing may carve an exception out of
// the protected set.
func New(extra []string) (*Set, error) {
	patterns := append([]string{}, HardcodedPatterns...)
	var absolute []string

	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "!") {
			return nil, fmt.Errorf("protected path pattern %q cannot be a negation", p)
		}
		if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") {
			abs, err := resolve(p)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve protected path %q: %w", p, err)
			}
			absolute = append(absolute, abs)
			continue
		}
		patterns = append(patterns, p)
	}

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid protected path pattern: %w", err)
	}

	return &Set{patterns: dedupe(patterns), matcher: pm, absolute: dedupe(absolute)}, nil
}

// Default returns the hardcoded set.
func Default() *Set {
	s, err := New(nil)
	if err != nil {
		panic("protect: hardcoded patterns invalid: " + err.Error())
	}
	return s
}

// Patterns returns the relative patterns in effect.
func (s *Set) Patterns() []string {
	return append([]string{}, s.patterns...)
}

// Absolute returns the resolved absolute paths in effect.
func (s *Set) Absolute() []string {
	return append([]string{}, s.absolute...)
}

// Match reports whether the slash-separated relative path, or any of its
// parents, is protected.
func (s *Set) Match(rel string) bool {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if rel == "" || rel == "." {
		return false
	}

	// PatternMatcher compiles lazily and is not safe for concurrent use.
	s.mu.Lock()
	matched, err := s.matcher.MatchesOrParentMatches(rel)
	s.mu.Unlock()
	if err != nil {
		// An unmatchable pattern protects everything.
		return true
	}
	return matched
}

// MatchUnder reports whether rel inside root is protected, either by
// pattern or because root/rel is under one of the absolute paths.
func (s *Set) MatchUnder(root, rel string) bool {
	if s.Match(rel) {
		return true
	}
	if len(s.absolute) == 0 {
		return false
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if real, err := filepath.EvalSymlinks(full); err == nil {
		full = real
	} else if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		full = filepath.Join(realRoot, filepath.FromSlash(rel))
	}
	for _, a := range s.absolute {
		if isUnderOrEqual(full, a) {
			return true
		}
	}
	return false
}

// SpecialMode reports whether mode is a file type sync must never create
// or overwrite: device nodes, sockets, named pipes and irregular files.
func SpecialMode(mode fs.FileMode) bool {
	return mode&(fs.ModeDevice|fs.ModeCharDevice|fs.ModeSocket|fs.ModeNamedPipe|fs.ModeIrregular) != 0
}

func resolve(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	// Resolve symlinks for consistent comparison (/var -> /private/var
	// on macOS). The path may not exist yet.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return filepath.Clean(abs), nil
}

// isUnderOrEqual returns true if testPath is under or equal to basePath:
//   - "/home/user/.ssh" is under "/home/user/.ssh" (equal)
//   - "/home/user/.ssh/id_rsa" is under "/home/user/.ssh"
//   - "/home/user/.sshrc" is NOT under "/home/user/.ssh"
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}
	baseWithSep := basePath
	if !strings.HasSuffix(baseWithSep, string(filepath.Separator)) {
		baseWithSep += string(filepath.Separator)
	}
	return strings.HasPrefix(testPath, baseWithSep)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
