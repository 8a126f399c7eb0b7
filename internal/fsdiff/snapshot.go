// Package fsdiff takes content-hashed snapshots of a directory tree and
// computes the created/modified/deleted delta between two of them.
package fsdiff

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Entry records a regular file or symlink at snapshot time. Directories are
// implied by the entries below them.
type Entry struct {
	Path string      `json:"path" cbor:"path"`
	Size int64       `json:"size" cbor:"size"`
	Mode fs.FileMode `json:"mode" cbor:"mode"`
	Hash string      `json:"hash" cbor:"hash"`
	// Link is the symlink target, empty for regular files.
	Link string `json:"link,omitempty" cbor:"link,omitempty"`
}

// IsSymlink reports whether the entry is a symlink.
func (e Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }

// Snapshot is the baseline for a later diff.
type Snapshot struct {
	Root    string           `json:"root" cbor:"root"`
	TakenAt time.Time        `json:"taken_at" cbor:"taken_at"`
	Files   map[string]Entry `json:"files" cbor:"files"`
}

// Options controls a walk.
type Options struct {
	// Skip reports whether a slash-separated relative path should be left
	// out of the snapshot. A skipped directory is not descended into.
	Skip func(rel string) bool
}

// Take walks root and returns a snapshot of every regular file and symlink
// beneath it. Sockets, devices and pipes are never recorded.
func Take(root string, opts Options) (*Snapshot, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	snap := &Snapshot{
		Root:    abs,
		TakenAt: time.Now().UTC(),
		Files:   make(map[string]Entry),
	}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if opts.Skip != nil && opts.Skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode().IsRegular():
			hash, err := HashFile(p)
			if err != nil {
				return err
			}
			snap.Files[rel] = Entry{Path: rel, Size: info.Size(), Mode: info.Mode(), Hash: hash}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			snap.Files[rel] = Entry{
				Path: rel,
				Size: int64(len(target)),
				Mode: info.Mode(),
				Hash: HashLink(target),
				Link: target,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", abs, err)
	}

	return snap, nil
}

// Hash returns the recorded hash for rel, or "" when rel is absent.
func (s *Snapshot) Hash(rel string) string {
	if s == nil {
		return ""
	}
	return s.Files[rel].Hash
}

// Canonical cleans a relative path into the slash-separated form used as
// snapshot and diff keys. Absolute paths and paths escaping the root are
// rejected.
func Canonical(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	slashed := filepath.ToSlash(rel)
	if path.IsAbs(slashed) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q is absolute", rel)
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the root", rel)
	}
	return cleaned, nil
}

// Save persists a snapshot to a JSON file.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a snapshot from a JSON file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if snap.Files == nil {
		snap.Files = make(map[string]Entry)
	}
	return &snap, nil
}
