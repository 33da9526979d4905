package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Digest is the lowercase hex SHA-256 of a blob's content. Objects are
// stored and addressed under no other key.
type Digest string

// DigestLen is the length of a digest key in hex characters.
const DigestLen = sha256.Size * 2

func (d Digest) String() string { return string(d) }

// Short abbreviates the digest for logs.
func (d Digest) Short() string {
	if len(d) < 12 {
		return string(d)
	}
	return string(d[:12])
}

// Valid reports whether d is a well-formed digest key.
func (d Digest) Valid() bool {
	if len(d) != DigestLen {
		return false
	}
	for _, c := range d {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParseDigest validates an externally supplied digest string.
func ParseDigest(s string) (Digest, error) {
	d := Digest(s)
	if !d.Valid() {
		return "", fmt.Errorf("blobstore: malformed digest %q", s)
	}
	return d, nil
}

// DigestBytes computes the digest of b.
func DigestBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

// Hasher accumulates content and reports its digest.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher { return &Hasher{h: sha256.New()} }

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Digest {
	return Digest(hex.EncodeToString(h.h.Sum(nil)))
}

// digestReader computes the digest of all content passing through it.
func digestReader(r io.Reader) (io.Reader, *Hasher) {
	h := NewHasher()
	return io.TeeReader(r, h), h
}
