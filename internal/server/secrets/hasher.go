// Package secrets generates pilot secrets and derives the digests stored in
// place of them.
package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hasher turns a plaintext secret into the digest persisted by the store.
// Hash is deterministic: equal inputs give equal outputs.
type Hasher interface {
	Hash(plaintext string) string
	Name() string
}

const (
	HashSHA256  = "sha256"
	HashBlake2b = "blake2b"
	HashBlake3  = "blake3"
)

// NewHasher returns the Hasher registered under name. An empty name selects
// SHA-256.
func NewHasher(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", HashSHA256:
		return SHA256Hasher{}, nil
	case HashBlake2b:
		return Blake2bHasher{}, nil
	case HashBlake3:
		return Blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// SHA256Hasher produces the lowercase hex SHA-256 digest of the UTF-8 input.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (SHA256Hasher) Name() string { return HashSHA256 }

// Blake2bHasher produces a 256-bit BLAKE2b digest in hex.
type Blake2bHasher struct{}

func (Blake2bHasher) Hash(plaintext string) string {
	sum := blake2b.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (Blake2bHasher) Name() string { return HashBlake2b }

// Blake3Hasher produces a 256-bit BLAKE3 digest in hex.
type Blake3Hasher struct{}

func (Blake3Hasher) Hash(plaintext string) string {
	sum := blake3.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (Blake3Hasher) Name() string { return HashBlake3 }
