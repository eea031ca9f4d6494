// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package pkgstore

import (
	"fmt"
	"strings"
)

// A Triplet is the name of a store entry
// in the form "name-version-hexdigest".
// It is the sole key into the store.
type Triplet string

// MakeTriplet returns the triplet for the given package name, version, and digest.
func MakeTriplet(name, version string, digest Digest) (Triplet, error) {
	if err := validateComponent("name", name); err != nil {
		return "", err
	}
	if err := validateComponent("version", version); err != nil {
		return "", err
	}
	return Triplet(name + "-" + version + "-" + digest.String()), nil
}

// ParseTriplet validates a triplet string.
// Because both names and versions may contain hyphens,
// the version is taken to be the last hyphen-separated field before the digest.
func ParseTriplet(s string) (Triplet, error) {
	rest, hexDigest, ok := cutLast(s, "-")
	if !ok {
		return "", fmt.Errorf("parse triplet %q: missing digest", s)
	}
	if _, err := ParseDigest(hexDigest); err != nil {
		return "", fmt.Errorf("parse triplet %q: %w", s, err)
	}
	name, version, ok := cutLast(rest, "-")
	if !ok {
		return "", fmt.Errorf("parse triplet %q: missing version", s)
	}
	if err := validateComponent("name", name); err != nil {
		return "", fmt.Errorf("parse triplet %q: %v", s, err)
	}
	if err := validateComponent("version", version); err != nil {
		return "", fmt.Errorf("parse triplet %q: %v", s, err)
	}
	return Triplet(s), nil
}

// Name returns the package name portion of the triplet.
// The name and version are split at the last hyphen before the digest,
// so a triplet whose version contains a hyphen reports part of the version
// as the name. Callers that know the recorded name should prefer it.
func (t Triplet) Name() string {
	rest, _, _ := cutLast(string(t), "-")
	name, _, _ := cutLast(rest, "-")
	return name
}

// Version returns the version portion of the triplet.
// Like [Triplet.Name], it is ambiguous for hyphenated versions.
func (t Triplet) Version() string {
	rest, _, _ := cutLast(string(t), "-")
	_, version, _ := cutLast(rest, "-")
	return version
}

// Digest returns the digest portion of the triplet.
// It returns the zero digest if the triplet is malformed.
func (t Triplet) Digest() Digest {
	_, hexDigest, _ := cutLast(string(t), "-")
	d, _ := ParseDigest(hexDigest)
	return d
}

// String returns the triplet as a string.
func (t Triplet) String() string {
	return string(t)
}

func validateComponent(what, s string) error {
	switch {
	case s == "":
		return fmt.Errorf("empty package %s", what)
	case s == "." || s == "..":
		return fmt.Errorf("invalid package %s %q", what, s)
	case strings.ContainsAny(s, "/\x00"):
		return fmt.Errorf("package %s %q contains a slash or NUL byte", what, s)
	}
	return nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
