package syncer

import (
	"fmt"
	"io/fs"

	"github.com/faize-ai/world/internal/protocol"
)

const (
	// ChunkSize is the largest raw slice of a file sent in one blob.
	ChunkSize = 1 << 20
	// BatchBytes bounds the blob data carried by one frame.
	BatchBytes = 8 << 20
)

// EncodeBlobs splits f into compressed blob chunks. Absent files and
// symlinks become a single data-less chunk.
func EncodeBlobs(f File) []protocol.Blob {
	base := protocol.Blob{Path: f.Path, Mode: uint32(f.Mode), Hash: f.Hash, Link: f.Link}
	if f.Absent || f.Mode&fs.ModeSymlink != 0 || len(f.Data) == 0 {
		base.EOF = true
		return []protocol.Blob{base}
	}

	var out []protocol.Blob
	for off := 0; off < len(f.Data); off += ChunkSize {
		end := min(off+ChunkSize, len(f.Data))
		raw := f.Data[off:end]
		b := base
		b.Offset = int64(off)
		b.RawSize = len(raw)
		b.Data, b.Compression = protocol.Compress(raw)
		b.EOF = end == len(f.Data)
		out = append(out, b)
	}
	return out
}

// Batches groups blobs so no batch carries more than BatchBytes of data.
// A batch always holds at least one blob.
func Batches(blobs []protocol.Blob) [][]protocol.Blob {
	var (
		out  [][]protocol.Blob
		cur  []protocol.Blob
		size int
	)
	for _, b := range blobs {
		if len(cur) > 0 && size+len(b.Data) > BatchBytes {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, b)
		size += len(b.Data)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Assembler rebuilds Files from blob chunks arriving in order.
type Assembler struct {
	partial map[string]*File
	done    []File
	order   []string
}

func NewAssembler() *Assembler {
	return &Assembler{partial: make(map[string]*File)}
}

// Add consumes one chunk.
func (a *Assembler) Add(b protocol.Blob) error {
	f, ok := a.partial[b.Path]
	if !ok {
		f = &File{
			Path:   b.Path,
			Mode:   fs.FileMode(b.Mode),
			Hash:   b.Hash,
			Link:   b.Link,
			Absent: b.Hash == "" && b.Link == "" && len(b.Data) == 0,
		}
		a.partial[b.Path] = f
		a.order = append(a.order, b.Path)
	}
	if b.Offset != int64(len(f.Data)) {
		return fmt.Errorf("blob for %s out of order: offset %d, have %d bytes", b.Path, b.Offset, len(f.Data))
	}
	if len(b.Data) > 0 {
		raw, err := protocol.Decompress(b.Data, b.Compression, b.RawSize)
		if err != nil {
			return fmt.Errorf("blob for %s: %w", b.Path, err)
		}
		f.Data = append(f.Data, raw...)
		f.Absent = false
	}
	if b.EOF {
		a.done = append(a.done, *f)
		delete(a.partial, b.Path)
	}
	return nil
}

// Files returns the completed files in first-seen order, or an error when
// any file is missing its final chunk.
func (a *Assembler) Files() ([]File, error) {
	if len(a.partial) > 0 {
		for _, p := range a.order {
			if _, open := a.partial[p]; open {
				return nil, fmt.Errorf("blob for %s is incomplete", p)
			}
		}
	}
	return a.done, nil
}
