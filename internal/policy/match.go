package policy

import (
	"strings"

	"github.com/gobwas/glob"
)

// Matches reports whether cmd matches pattern. A pattern containing "*"
// is a glob over the whole command line: "*" spans any run of characters
// (slashes and spaces included), "?" matches one character and "[...]"
// a character class. Any other pattern matches when it occurs as a
// substring of cmd. An unparseable glob matches nothing.
func Matches(pattern, cmd string) bool {
	if !isGlob(pattern) {
		return strings.Contains(cmd, pattern)
	}
	g, err := compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(cmd)
}

// MatchAny returns the first pattern that matches cmd.
func MatchAny(patterns []string, cmd string) (string, bool) {
	for _, p := range patterns {
		if Matches(p, cmd) {
			return p, true
		}
	}
	return "", false
}

func isGlob(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// compile builds a glob with no separators, so wildcards cross "/" and " ".
func compile(pattern string) (glob.Glob, error) {
	return glob.Compile(pattern)
}
