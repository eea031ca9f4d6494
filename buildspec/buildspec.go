// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package buildspec provides the in-memory model of a package build specification,
// its TOML document format, and the content hash that names its store entry.
package buildspec

import (
	"fmt"
	"strings"

	"bados.dev/pkg/pkgstore"
)

// Spec is a validated build specification.
// A Spec should be treated as immutable once parsed.
type Spec struct {
	Package Package
	Build   Plan
}

// Package is the package metadata section of a [Spec].
type Package struct {
	Name    string
	Version string
	// Dependencies lists logical package dependencies.
	// They are not made available to the build.
	Dependencies []Dependency
}

// Plan describes how to build a package.
type Plan struct {
	// Dependencies are previously built store entries
	// mounted read-only into the build sandbox.
	Dependencies []Dependency
	Sources      []SourceFile
	// Vars are the build's environment variables in declaration order.
	Vars []Var
	// Init is the path of the executable to run inside the sandbox.
	Init string
	// Args are the arguments passed to Init.
	Args []string
}

// Var is a single build variable.
type Var struct {
	Key   string
	Value string
}

// String returns the variable in "KEY=VALUE" form.
func (v Var) String() string {
	return v.Key + "=" + v.Value
}

// Dependency is a reference to a previously built store entry.
// Its digest is trusted as given.
type Dependency struct {
	Name    string
	Version string
	Hash    pkgstore.Digest
}

// Triplet returns the name of the dependency's store entry.
func (dep Dependency) Triplet() (pkgstore.Triplet, error) {
	return pkgstore.MakeTriplet(dep.Name, dep.Version, dep.Hash)
}

// SourceFile is a named build input
// that is retrieved from one of its candidate URLs
// and verified against its digest.
type SourceFile struct {
	// Name is the file name the source is placed at in the sandbox.
	Name string
	Hash pkgstore.Digest
	URLs []string
}

// Validate checks the specification for values that cannot be built.
func (s *Spec) Validate() error {
	if _, err := pkgstore.MakeTriplet(s.Package.Name, s.Package.Version, pkgstore.Digest{}); err != nil {
		return err
	}
	for i, dep := range s.Package.Dependencies {
		if _, err := dep.Triplet(); err != nil {
			return fmt.Errorf("pkg_deps[%d]: %v", i, err)
		}
	}

	names := make(map[string]string)
	for i, dep := range s.Build.Dependencies {
		t, err := dep.Triplet()
		if err != nil {
			return fmt.Errorf("build_deps[%d]: %v", i, err)
		}
		names[string(t)] = fmt.Sprintf("build_deps[%d]", i)
	}
	for i, src := range s.Build.Sources {
		if err := validateFileName(src.Name); err != nil {
			return fmt.Errorf("src_files[%d]: %v", i, err)
		}
		if prev := names[src.Name]; prev != "" {
			return fmt.Errorf("src_files[%d]: name %q conflicts with %s", i, src.Name, prev)
		}
		names[src.Name] = fmt.Sprintf("src_files[%d]", i)
	}

	if s.Build.Init == "" {
		return fmt.Errorf("build_init is empty")
	}
	if strings.ContainsRune(s.Build.Init, 0) {
		return fmt.Errorf("build_init contains a NUL byte")
	}
	for _, v := range s.Build.Vars {
		if v.Key == "" || strings.ContainsAny(v.Key, "=\x00") {
			return fmt.Errorf("build_vars: invalid variable name %q", v.Key)
		}
		if strings.ContainsRune(v.Value, 0) {
			return fmt.Errorf("build_vars: %s contains a NUL byte", v.Key)
		}
	}
	for i, arg := range s.Build.Args {
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("build_args[%d] contains a NUL byte", i)
		}
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
