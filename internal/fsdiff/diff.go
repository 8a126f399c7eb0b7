package fsdiff

import (
	"fmt"
	"io/fs"
	"sort"
)

// MaxChanges caps the number of entries carried by a Diff. Larger diffs are
// marked Truncated and keep only the first MaxChanges paths in order.
const MaxChanges = 10000

// Kind classifies a change.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
)

// Change is one entry of a Diff.
type Change struct {
	Path string `json:"path" cbor:"path"`
	Kind Kind   `json:"kind" cbor:"kind"`
	// Hash is the content hash after the change; empty for deletions.
	Hash string `json:"hash,omitempty" cbor:"hash,omitempty"`
	// PrevHash is the baseline hash; empty for creations.
	PrevHash string      `json:"prev_hash,omitempty" cbor:"prev_hash,omitempty"`
	Size     int64       `json:"size" cbor:"size"`
	Mode     fs.FileMode `json:"mode,omitempty" cbor:"mode,omitempty"`
}

// Diff is the ordered set of changes under Root.
type Diff struct {
	Root      string   `json:"root" cbor:"root"`
	Changes   []Change `json:"changes" cbor:"changes"`
	Truncated bool     `json:"truncated,omitempty" cbor:"truncated,omitempty"`
	Summary   string   `json:"summary,omitempty" cbor:"summary,omitempty"`
}

// Empty reports whether the diff has no changes.
func (d *Diff) Empty() bool {
	return d == nil || len(d.Changes) == 0
}

// Counts returns the number of created, modified and deleted entries.
func (d *Diff) Counts() (created, modified, deleted int) {
	if d == nil {
		return
	}
	for _, c := range d.Changes {
		switch c.Kind {
		case Created:
			created++
		case Modified:
			modified++
		case Deleted:
			deleted++
		}
	}
	return
}

// Compare returns the changes from before to after, sorted by path.
// A path only in after is Created, only in before is Deleted, and in both
// with a different hash or file type is Modified. The result is capped at
// MaxChanges entries.
func Compare(before, after *Snapshot) *Diff {
	root := ""
	if before != nil {
		root = before.Root
	}
	if root == "" && after != nil {
		root = after.Root
	}
	return newDiff(root, Changes(before, after))
}

// Changes is Compare without the cap or summary.
func Changes(before, after *Snapshot) []Change {
	var beforeFiles, afterFiles map[string]Entry
	if before != nil {
		beforeFiles = before.Files
	}
	if after != nil {
		afterFiles = after.Files
	}

	var changes []Change
	for p, a := range afterFiles {
		b, exists := beforeFiles[p]
		if !exists {
			changes = append(changes, Change{Path: p, Kind: Created, Hash: a.Hash, Size: a.Size, Mode: a.Mode})
			continue
		}
		if b.Hash != a.Hash || b.Mode.Type() != a.Mode.Type() {
			changes = append(changes, Change{
				Path:     p,
				Kind:     Modified,
				Hash:     a.Hash,
				PrevHash: b.Hash,
				Size:     a.Size,
				Mode:     a.Mode,
			})
		}
	}
	for p, b := range beforeFiles {
		if _, exists := afterFiles[p]; !exists {
			changes = append(changes, Change{Path: p, Kind: Deleted, PrevHash: b.Hash, Mode: b.Mode})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes
}

// Against snapshots root and compares it with base.
func Against(base *Snapshot, root string, opts Options) (*Diff, error) {
	after, err := Take(root, opts)
	if err != nil {
		return nil, err
	}
	return Compare(base, after), nil
}

// Normalize canonicalizes and de-duplicates caller-supplied changes. When a
// path appears more than once the last entry wins. The result is sorted.
func Normalize(d *Diff) (*Diff, error) {
	if d == nil {
		return nil, nil
	}
	byPath := make(map[string]Change, len(d.Changes))
	for _, c := range d.Changes {
		p, err := Canonical(c.Path)
		if err != nil {
			return nil, err
		}
		switch c.Kind {
		case Created, Modified, Deleted:
		default:
			return nil, fmt.Errorf("path %s: unknown change kind %q", p, c.Kind)
		}
		c.Path = p
		byPath[p] = c
	}

	changes := make([]Change, 0, len(byPath))
	for _, c := range byPath {
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	out := newDiff(d.Root, changes)
	out.Truncated = out.Truncated || d.Truncated
	return out, nil
}

func newDiff(root string, changes []Change) *Diff {
	d := &Diff{Root: root, Changes: changes}
	if d.Changes == nil {
		d.Changes = []Change{}
	}
	created, modified, deleted := d.Counts()
	if len(d.Changes) > MaxChanges {
		d.Changes = d.Changes[:MaxChanges]
		d.Truncated = true
		d.Summary = fmt.Sprintf("%d created, %d modified, %d deleted (showing first %d)",
			created, modified, deleted, MaxChanges)
		return d
	}
	d.Summary = fmt.Sprintf("%d created, %d modified, %d deleted", created, modified, deleted)
	return d
}
