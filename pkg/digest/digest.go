// Package digest computes content checksums for catalog listings and for
// the client's post-transfer report.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported checksum.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Default is the checksum shown in listings when none is configured.
const Default = MD5

// Algorithms lists every supported checksum.
func Algorithms() []Algorithm {
	return []Algorithm{MD5, SHA256, BLAKE3}
}

// New returns a fresh hash for alg. An empty alg selects Default.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case "", MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Reader consumes r and returns the hex digest with the number of bytes read.
func Reader(alg Algorithm, r io.Reader) (string, int64, error) {
	h, err := New(alg)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
