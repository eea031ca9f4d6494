// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package buildspec

import (
	"fmt"
	"io"

	"bados.dev/pkg/pkgstore"
)

// PackageDependencyPolicy controls whether package dependencies
// contribute to a specification's content hash.
type PackageDependencyPolicy int

const (
	// HashPackageDependencies includes each package dependency's digest
	// in the content hash.
	HashPackageDependencies PackageDependencyPolicy = iota
	// IgnorePackageDependencies treats package dependencies as informational.
	IgnorePackageDependencies
)

// ParsePackageDependencyPolicy parses "hash" or "ignore".
func ParsePackageDependencyPolicy(s string) (PackageDependencyPolicy, error) {
	switch s {
	case "hash":
		return HashPackageDependencies, nil
	case "ignore":
		return IgnorePackageDependencies, nil
	default:
		return 0, fmt.Errorf("unknown package dependency policy %q (must be \"hash\" or \"ignore\")", s)
	}
}

// String returns "hash" or "ignore".
func (policy PackageDependencyPolicy) String() string {
	switch policy {
	case HashPackageDependencies:
		return "hash"
	case IgnorePackageDependencies:
		return "ignore"
	default:
		return fmt.Sprintf("PackageDependencyPolicy(%d)", int(policy))
	}
}

// MarshalText returns the policy's name.
func (policy PackageDependencyPolicy) MarshalText() ([]byte, error) {
	return []byte(policy.String()), nil
}

// UnmarshalText parses the policy with [ParsePackageDependencyPolicy].
func (policy *PackageDependencyPolicy) UnmarshalText(text []byte) error {
	var err error
	*policy, err = ParsePackageDependencyPolicy(string(text))
	return err
}

// HashOptions is the set of optional parameters to [Spec.Digest].
// A nil *HashOptions is equivalent to the zero value.
type HashOptions struct {
	PackageDependencies PackageDependencyPolicy
}

// Digest returns the content hash of the specification.
//
// The hash is SHA-256 over the concatenation, without separators, of:
// the package name and version,
// the digest of each package dependency,
// the digest of each build dependency,
// the digest of each source file,
// the build_init path,
// the key then value of each build variable in declaration order,
// and each build argument.
// The field order is part of the store format and must not change.
func (s *Spec) Digest(opts *HashOptions) pkgstore.Digest {
	if opts == nil {
		opts = new(HashOptions)
	}
	h := pkgstore.NewHasher()
	io.WriteString(h, s.Package.Name)
	io.WriteString(h, s.Package.Version)
	if opts.PackageDependencies == HashPackageDependencies {
		for _, dep := range s.Package.Dependencies {
			h.Write(dep.Hash[:])
		}
	}
	for _, dep := range s.Build.Dependencies {
		h.Write(dep.Hash[:])
	}
	for _, src := range s.Build.Sources {
		h.Write(src.Hash[:])
	}
	io.WriteString(h, s.Build.Init)
	for _, v := range s.Build.Vars {
		io.WriteString(h, v.Key)
		io.WriteString(h, v.Value)
	}
	for _, arg := range s.Build.Args {
		io.WriteString(h, arg)
	}
	return pkgstore.DigestOf(h)
}

// Triplet returns the name of the specification's store entry.
func (s *Spec) Triplet(opts *HashOptions) (pkgstore.Triplet, error) {
	return pkgstore.MakeTriplet(s.Package.Name, s.Package.Version, s.Digest(opts))
}
