// Package git locates repository roots. The broker uses the root to bound
// how far profile discovery walks up from a working directory.
package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FindRoot returns the repository root for dir, or "" when dir is not
// inside a repository. It looks for a .git entry (directory, or file for
// worktrees and submodules) in dir and its parents, and falls back to
// asking git when the walk finds nothing, which covers GIT_DIR setups.
func FindRoot(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}

	for current := abs; ; {
		if _, err := os.Lstat(filepath.Join(current, ".git")); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return revParse(abs)
}

func revParse(dir string) string {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
