// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package pkgstore provides the content-addressed package store:
// the [Digest] and [Triplet] types that identify entries
// and the write-once [Directory.Commit] operation that creates them.
//
// A store is a directory containing a store/ subdirectory
// with one entry per triplet
// and a src/ subdirectory reserved for sources.
package pkgstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Directory is the absolute path of a package store root.
type Directory string

// DefaultDirectory is the store root used when none is configured.
const DefaultDirectory Directory = "/pkg"

// Names of the subdirectories of a store root.
const (
	storeSubdir  = "store"
	sourceSubdir = "src"
)

// ErrAlreadyExists is returned (wrapped) when an entry or directory
// that must be created exclusively is already present.
var ErrAlreadyExists = errors.New("already exists")

// CleanDirectory cleans an absolute path as a [Directory].
// It returns an error if the path is not absolute.
func CleanDirectory(path string) (Directory, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("package directory %q is not absolute", path)
	}
	return Directory(filepath.Clean(path)), nil
}

// DirectoryFromEnvironment returns the store [Directory]
// named by the BADOS_PKGDIR environment variable,
// falling back to [DefaultDirectory] if not set.
func DirectoryFromEnvironment() (Directory, error) {
	dir := os.Getenv("BADOS_PKGDIR")
	if dir == "" {
		return DefaultDirectory, nil
	}
	return CleanDirectory(dir)
}

// StoreDir returns the path of the directory holding store entries.
func (dir Directory) StoreDir() string {
	return filepath.Join(string(dir), storeSubdir)
}

// SourceDir returns the path of the reserved source directory.
func (dir Directory) SourceDir() string {
	return filepath.Join(string(dir), sourceSubdir)
}

// ObjectPath returns the path of the store entry named by t.
func (dir Directory) ObjectPath(t Triplet) string {
	return filepath.Join(dir.StoreDir(), string(t))
}

// Init creates the store/ and src/ subdirectories.
// The root must already exist and be a directory.
func (dir Directory) Init() error {
	info, err := os.Stat(string(dir))
	if err != nil {
		return fmt.Errorf("initialize %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("initialize %s: not a directory", dir)
	}
	for _, sub := range []string{dir.StoreDir(), dir.SourceDir()} {
		if err := os.Mkdir(sub, 0o755); err != nil {
			return fmt.Errorf("initialize %s: %w", dir, err)
		}
	}
	return nil
}

// Check verifies that the store layout has been initialized.
func (dir Directory) Check() error {
	for _, sub := range []string{dir.StoreDir(), dir.SourceDir()} {
		info, err := os.Stat(sub)
		if err != nil {
			return fmt.Errorf("package directory %s not initialized: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("package directory %s not initialized: %s is not a directory", dir, sub)
		}
	}
	return nil
}

// Has reports whether the store contains an entry for t.
func (dir Directory) Has(t Triplet) (bool, error) {
	_, err := os.Lstat(dir.ObjectPath(t))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Entries returns the triplets of all committed store entries in lexical order.
// In-progress commits and unparseable names are skipped.
func (dir Directory) Entries() ([]Triplet, error) {
	dirEntries, err := os.ReadDir(dir.StoreDir())
	if err != nil {
		return nil, err
	}
	var result []Triplet
	for _, ent := range dirEntries {
		if strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		t, err := ParseTriplet(ent.Name())
		if err != nil {
			continue
		}
		result = append(result, t)
	}
	slices.Sort(result)
	return result, nil
}
