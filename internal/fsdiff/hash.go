package fsdiff

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Domain keys separate file content hashes from symlink target hashes so
// a regular file whose bytes equal a link target never compares equal to
// the link.
var (
	contentDomainKey = [32]byte{
		'w', 'o', 'r', 'l', 'd', '.', 'f', 's', 'd', 'i', 'f', 'f', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	symlinkDomainKey = [32]byte{
		'w', 'o', 'r', 'l', 'd', '.', 'f', 's', 'd', 'i', 'f', 'f', '.',
		's', 'y', 'm', 'l', 'i', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func newHasher(key [32]byte) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only fails for keys that are not 32 bytes.
		panic("fsdiff: blake3 keyed hasher: " + err.Error())
	}
	return h
}

// HashBytes returns the content hash of data.
func HashBytes(data []byte) string {
	h := newHasher(contentDomainKey)
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashLink returns the hash recorded for a symlink pointing at target.
func HashLink(target string) string {
	h := newHasher(symlinkDomainKey)
	_, _ = io.WriteString(h, target)
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile streams the file at path through the content hasher.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := newHasher(contentDomainKey)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
