// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package pkgbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bados.dev/pkg/internal/archive"
	"bados.dev/pkg/internal/osutil"
	"bados.dev/pkg/internal/storeindex"
	"bados.dev/pkg/pkgstore"
	"zombiezen.com/go/log"
)

// DefaultVersion is the version given to installed files
// when none is specified.
const DefaultVersion = "0.0.0"

// InstallOptions is the set of optional parameters
// to [*Builder.InstallFile] and [*Builder.InstallArchive].
type InstallOptions struct {
	// Name is the package name.
	// If empty, it is derived from the file name.
	Name string
	// Version is the package version.
	// If empty, [DefaultVersion] is used.
	Version string
}

func (opts *InstallOptions) version() string {
	if opts == nil || opts.Version == "" {
		return DefaultVersion
	}
	return opts.Version
}

func (opts *InstallOptions) name(deflt string) string {
	if opts == nil || opts.Name == "" {
		return deflt
	}
	return opts.Name
}

// InstallFile copies the regular file at path into a new store entry.
// The entry's digest is the SHA-256 of the file's content
// and its name defaults to the file name without its extension.
// If the entry already exists, InstallFile returns an error
// wrapping [pkgstore.ErrAlreadyExists] and leaves the entry untouched.
func (b *Builder) InstallFile(ctx context.Context, path string, opts *InstallOptions) (*Result, error) {
	if err := checkRegularFile(path); err != nil {
		return nil, err
	}
	digest, err := pkgstore.SumFile(path)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", path, err)
	}
	base := filepath.Base(path)
	name, version := opts.name(fileStem(base)), opts.version()
	t, err := pkgstore.MakeTriplet(name, version, digest)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", path, err)
	}
	log.Infof(ctx, "Installing %s", t)

	unlock, err := b.locks.lock(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", path, err)
	}
	defer unlock()
	err = b.Store.Commit(ctx, t, b.commitOptions(), func(stagingDir string) error {
		return copyVerified(filepath.Join(stagingDir, base), path, digest)
	})
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", path, err)
	}
	b.record(ctx, &storeindex.Entry{
		Triplet: t,
		Name:    name,
		Version: version,
		Digest:  digest,
		Kind:    storeindex.File,
		Source:  absOrOriginal(path),
	})
	return &Result{Triplet: t, Path: b.Store.ObjectPath(t)}, nil
}

// copyVerified copies src to dst
// and fails if the copied content does not have the given digest.
func copyVerified(dst, src string, want pkgstore.Digest) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	info, err := r.Stat()
	if err != nil {
		return err
	}
	h := pkgstore.NewHasher()
	if err := osutil.WriteFileFrom(dst, io.TeeReader(r, h), info.Mode().Perm()); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if got := pkgstore.DigestOf(h); got != want {
		return fmt.Errorf("copy: %s changed while being installed", src)
	}
	return nil
}

// InstallArchive extracts the archive at path into a new store entry.
// The entry's digest is the SHA-256 of the archive file
// and its name defaults to the file name without its archive extension.
// If the entry already exists, InstallArchive returns an error
// wrapping [pkgstore.ErrAlreadyExists] and leaves the entry untouched.
func (b *Builder) InstallArchive(ctx context.Context, path string, opts *InstallOptions) (*Result, error) {
	if err := checkRegularFile(path); err != nil {
		return nil, err
	}
	digest, err := pkgstore.SumFile(path)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", path, err)
	}
	return b.installArchive(ctx, path, absOrOriginal(path), digest, opts.name(archiveStem(filepath.Base(path))), opts.version())
}

// InstallArchiveReader extracts the archive read from r into a new store entry.
// opts.Name is required.
// The archive is buffered to a temporary file before extraction.
func (b *Builder) InstallArchiveReader(ctx context.Context, r io.Reader, opts *InstallOptions) (_ *Result, err error) {
	name := opts.name("")
	if name == "" {
		return nil, fmt.Errorf("install archive from stream: package name required")
	}
	tempDir := b.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	f, err := os.CreateTemp(tempDir, "bados-archive-*")
	if err != nil {
		return nil, fmt.Errorf("install archive from stream: %v", err)
	}
	defer func() {
		f.Close()
		if err := os.Remove(f.Name()); err != nil {
			log.Warnf(ctx, "Clean up temporary archive: %v", err)
		}
	}()
	h := pkgstore.NewHasher()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		return nil, fmt.Errorf("install archive from stream: %v", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("install archive from stream: %v", err)
	}
	return b.installArchive(ctx, f.Name(), "-", pkgstore.DigestOf(h), name, opts.version())
}

func (b *Builder) installArchive(ctx context.Context, path, source string, digest pkgstore.Digest, name, version string) (*Result, error) {
	t, err := pkgstore.MakeTriplet(name, version, digest)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", source, err)
	}
	log.Infof(ctx, "Installing %s", t)

	unlock, err := b.locks.lock(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", source, err)
	}
	defer unlock()
	err = b.Store.Commit(ctx, t, b.commitOptions(), func(stagingDir string) error {
		return archive.ExtractFile(ctx, stagingDir, path)
	})
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", source, err)
	}
	b.record(ctx, &storeindex.Entry{
		Triplet: t,
		Name:    name,
		Version: version,
		Digest:  digest,
		Kind:    storeindex.Archive,
		Source:  source,
	})
	return &Result{Triplet: t, Path: b.Store.ObjectPath(t)}, nil
}

func checkRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("install %s: cannot read file or was passed a directory", path)
	}
	return nil
}

// fileStem returns the file name without its final extension.
// Names whose only dot is the leading one are returned unchanged.
func fileStem(base string) string {
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return base
	}
	return base[:i]
}

// archiveSuffixes are the extensions stripped from archive file names,
// longest first.
var archiveSuffixes = []string{
	".tar.bz2",
	".tar.lz4",
	".tar.zst",
	".tar.gz",
	".tbz2",
	".tzst",
	".tar",
	".tgz",
	".zip",
}

// archiveStem returns the archive file name without its archive extension.
func archiveStem(base string) string {
	lower := strings.ToLower(base)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) && len(base) > len(suffix) {
			return base[:len(base)-len(suffix)]
		}
	}
	return fileStem(base)
}

func absOrOriginal(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
