package index

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest accumulates a BLAKE3 digest of member contents.
type Digest struct {
	h hash.Hash
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	return &Digest{h: blake3.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the hex-encoded digest.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// HashFile computes the BLAKE3 hash of the file at path, returning the
// hex-encoded digest. Holes read as zeros.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d := NewDigest()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(d, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d.Sum(), nil
}
