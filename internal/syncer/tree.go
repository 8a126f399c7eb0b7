package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/faize-ai/world/internal/protect"
)

// StagingDir is created under a tree root while an apply is in progress.
// It is in the protected set, so it never shows up in a snapshot.
const StagingDir = ".world-staging"

// File is the content of one path on one side of a sync. Absent files
// have no data and an empty Hash.
type File struct {
	Path   string
	Mode   fs.FileMode
	Hash   string
	Link   string
	Data   []byte
	Absent bool
}

// Tree is one side of a sync.
type Tree interface {
	// Root names the tree for reports and baselines.
	Root() string
	Snapshot(ctx context.Context) (*fsdiff.Snapshot, error)
	Read(ctx context.Context, paths []string) ([]File, error)
	// Apply writes and deletes atomically with respect to expect: every
	// path in expect must currently have the given hash ("" for absent)
	// or nothing is changed and an *ExpectError is returned.
	Apply(ctx context.Context, writes []File, deletes []string, expect map[string]string) ([]string, error)
}

// ExpectError reports paths whose current content did not match the
// expected hash at apply time.
type ExpectError struct {
	Paths []string
}

func (e *ExpectError) Error() string {
	return fmt.Sprintf("%d path(s) changed since the sync was planned: %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

// DirTree is a Tree over a local directory.
type DirTree struct {
	Dir     string
	Protect *protect.Set
}

// NewDirTree returns a DirTree rooted at the absolute form of dir.
func NewDirTree(dir string, set *protect.Set) (*DirTree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = protect.Default()
	}
	return &DirTree{Dir: abs, Protect: set}, nil
}

func (t *DirTree) Root() string { return t.Dir }

// Skip is the snapshot filter: protected paths are never recorded.
func (t *DirTree) Skip(rel string) bool {
	return t.Protect.MatchUnder(t.Dir, rel)
}

func (t *DirTree) Snapshot(ctx context.Context) (*fsdiff.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fsdiff.Take(t.Dir, fsdiff.Options{Skip: t.Skip})
}

func (t *DirTree) checkPath(p string) (string, error) {
	rel, err := fsdiff.Canonical(p)
	if err != nil {
		return "", errs.ProtocolUser("sync", err)
	}
	if t.Protect.MatchUnder(t.Dir, rel) {
		return "", errs.ProtectedPath("sync", rel)
	}
	return rel, nil
}

func (t *DirTree) Read(ctx context.Context, paths []string) ([]File, error) {
	out := make([]File, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := t.checkPath(p)
		if err != nil {
			return nil, err
		}
		f, err := t.readOne(rel)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (t *DirTree) readOne(rel string) (File, error) {
	full := filepath.Join(t.Dir, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return File{Path: rel, Absent: true}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			return File{}, fmt.Errorf("failed to read link %s: %w", rel, err)
		}
		return File{Path: rel, Mode: info.Mode(), Link: target, Hash: fsdiff.HashLink(target)}, nil
	case info.Mode().IsRegular():
		data, err := os.ReadFile(full)
		if err != nil {
			return File{}, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		return File{Path: rel, Mode: info.Mode(), Data: data, Hash: fsdiff.HashBytes(data)}, nil
	default:
		return File{}, errs.ProtectedPath("sync", rel).With("mode", info.Mode().String())
	}
}

// currentHash returns the hash of rel as it is now, "" when absent.
func (t *DirTree) currentHash(rel string) (string, error) {
	full := filepath.Join(t.Dir, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return "", err
		}
		return fsdiff.HashLink(target), nil
	}
	if protect.SpecialMode(info.Mode()) {
		return "", errs.ProtectedPath("sync", rel).With("mode", info.Mode().String())
	}
	if info.IsDir() {
		return "dir", nil
	}
	return fsdiff.HashFile(full)
}

func (t *DirTree) Apply(ctx context.Context, writes []File, deletes []string, expect map[string]string) ([]string, error) {
	// Validate everything before the first mutation.
	for i := range writes {
		rel, err := t.checkPath(writes[i].Path)
		if err != nil {
			return nil, err
		}
		writes[i].Path = rel
		if protect.SpecialMode(writes[i].Mode) {
			return nil, errs.ProtectedPath("sync", rel).With("mode", writes[i].Mode.String())
		}
		var got string
		if writes[i].Mode&fs.ModeSymlink != 0 {
			got = fsdiff.HashLink(writes[i].Link)
		} else {
			got = fsdiff.HashBytes(writes[i].Data)
		}
		if got != writes[i].Hash {
			return nil, errs.ProtocolUser("sync", fmt.Errorf("content of %s does not match its hash", rel))
		}
	}
	for i, p := range deletes {
		rel, err := t.checkPath(p)
		if err != nil {
			return nil, err
		}
		deletes[i] = rel
	}

	var mismatched []string
	for p, want := range expect {
		rel, err := t.checkPath(p)
		if err != nil {
			return nil, err
		}
		got, err := t.currentHash(rel)
		if err != nil {
			return nil, err
		}
		if got != want {
			mismatched = append(mismatched, rel)
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return nil, &ExpectError{Paths: mismatched}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	staging := filepath.Join(t.Dir, StagingDir)
	if err := os.MkdirAll(staging, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	// Stage every write first so a failure leaves the tree untouched.
	staged := make([]string, len(writes))
	for i, w := range writes {
		tmp, err := stage(staging, w)
		if err != nil {
			return nil, err
		}
		staged[i] = tmp
	}

	var applied []string
	for i, w := range writes {
		dst := filepath.Join(t.Dir, filepath.FromSlash(w.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return applied, fmt.Errorf("failed to create parent of %s: %w", w.Path, err)
		}
		if err := os.Rename(staged[i], dst); err != nil {
			return applied, fmt.Errorf("failed to install %s: %w", w.Path, err)
		}
		applied = append(applied, w.Path)
	}
	for _, rel := range deletes {
		err := os.Remove(filepath.Join(t.Dir, filepath.FromSlash(rel)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return applied, fmt.Errorf("failed to delete %s: %w", rel, err)
		}
		applied = append(applied, rel)
	}
	return applied, nil
}

func stage(dir string, w File) (string, error) {
	if w.Mode&fs.ModeSymlink != 0 {
		tmp, err := os.CreateTemp(dir, "link-*")
		if err != nil {
			return "", err
		}
		name := tmp.Name()
		tmp.Close()
		os.Remove(name)
		if err := os.Symlink(w.Link, name); err != nil {
			return "", fmt.Errorf("failed to stage link %s: %w", w.Path, err)
		}
		return name, nil
	}

	tmp, err := os.CreateTemp(dir, "file-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(w.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to stage %s: %w", w.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", w.Path, err)
	}
	perm := w.Mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}
