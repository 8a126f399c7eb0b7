package policy

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/faize-ai/world/internal/git"
)

const (
	// ProfileDir is the per-project directory holding the profile.
	ProfileDir = ".world"
	// ProfileFile is the profile file name inside ProfileDir.
	ProfileFile = "policy.yaml"

	maxSearchDepth = 10
)

// ErrNoProfile is returned when no profile exists for a directory.
var ErrNoProfile = errors.New("no policy profile found")

// Locate finds the profile that governs cwd. It walks up from cwd looking
// for .world/policy.yaml, stopping at the repository root, the home
// directory or after ten levels, whichever comes first. When nothing is
// found it falls back to globalDir/policy.yaml. It returns ErrNoProfile
// when neither exists.
func Locate(cwd, globalDir string) (string, error) {
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		dir = real
	}

	stop := git.FindRoot(dir)
	home, _ := os.UserHomeDir()

	for depth := 0; depth < maxSearchDepth; depth++ {
		candidate := filepath.Join(dir, ProfileDir, ProfileFile)
		if fileExists(candidate) {
			return candidate, nil
		}
		if dir == stop || dir == home {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if globalDir != "" {
		candidate := filepath.Join(globalDir, ProfileFile)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoProfile
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
