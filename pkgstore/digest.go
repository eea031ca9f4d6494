// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package pkgstore

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"zombiezen.com/go/nix"
)

// DigestSize is the size of a [Digest] in bytes.
const DigestSize = 32

// A Digest is a SHA-256 hash used both to name store entries
// and to verify the integrity of fetched sources.
// The zero value is the all-zeroes digest.
type Digest [DigestSize]byte

// NewHasher returns a new SHA-256 hasher.
// The result of [DigestOf] on the hasher is a [Digest].
func NewHasher() *nix.Hasher {
	return nix.NewHasher(nix.SHA256)
}

// DigestOf returns the digest accumulated in a hasher
// returned by [NewHasher].
func DigestOf(h *nix.Hasher) Digest {
	var d Digest
	copy(d[:], h.SumHash().Bytes(nil))
	return d
}

// ParseDigest parses a digest from its hexadecimal representation.
// The string must contain exactly 64 hexadecimal digits;
// shorter or longer encodings are rejected rather than truncated or padded.
func ParseDigest(s string) (Digest, error) {
	if len(s) != hex.EncodedLen(DigestSize) {
		return Digest{}, &HashDecodeError{
			Input:  s,
			Reason: fmt.Sprintf("length %d (want %d hex digits)", len(s), hex.EncodedLen(DigestSize)),
		}
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, &HashDecodeError{Input: s, Reason: err.Error()}
	}
	return d, nil
}

// String returns the digest as 64 lowercase hexadecimal digits.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zeroes digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// NixHash returns the digest as a [nix.Hash].
func (d Digest) NixHash() nix.Hash {
	return nix.NewHash(nix.SHA256, d[:])
}

// MarshalText formats the digest as hexadecimal.
func (d Digest) MarshalText() ([]byte, error) {
	return hex.AppendEncode(nil, d[:]), nil
}

// UnmarshalText parses a digest with [ParseDigest].
func (d *Digest) UnmarshalText(text []byte) error {
	var err error
	*d, err = ParseDigest(string(text))
	return err
}

// SumReader returns the digest of everything read from r.
func SumReader(r io.Reader) (Digest, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return DigestOf(h), nil
}

// SumFile returns the digest of the named file's content.
func SumFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	d, err := SumReader(f)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return d, nil
}

// HashDecodeError is returned when a digest string is malformed.
type HashDecodeError struct {
	Input  string
	Reason string
}

func (e *HashDecodeError) Error() string {
	return fmt.Sprintf("invalid digest %q: %s", e.Input, e.Reason)
}
