// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package fetch retrieves build sources from their candidate locations
// and verifies them against their declared digests.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/pkgstore"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// ErrSourceUnavailable is matched (with [errors.Is]) by errors
// from [*Fetcher.Fetch] when no candidate location produced the source.
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrUnsupportedScheme is returned for candidate locations
// whose scheme cannot be retrieved.
var ErrUnsupportedScheme = errors.New("unsupported location scheme")

// HashMismatchError is returned when retrieved content
// does not match the declared digest.
type HashMismatchError struct {
	Location string
	Want     pkgstore.Digest
	Got      pkgstore.Digest
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s has hash %v (expected %v)", e.Location, e.Got, e.Want)
}

// UnavailableError is returned when every candidate location of a source failed.
// It matches [ErrSourceUnavailable]
// and unwraps to the failure of each attempted candidate.
type UnavailableError struct {
	Name     string
	Attempts []error
}

func (e *UnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("source %s: no candidate locations", e.Name)
	}
	msgs := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("source %s: none of %d locations succeeded (%s)", e.Name, len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

func (e *UnavailableError) Unwrap() []error {
	return e.Attempts
}

// A Fetcher retrieves source files.
// The zero value fetches sequentially and rejects relative locations.
type Fetcher struct {
	// BaseDir is the directory relative locations are resolved against,
	// typically the directory containing the build specification.
	BaseDir string
	// Jobs is the maximum number of sources [*Fetcher.FetchAll] retrieves concurrently.
	// Values less than 1 are treated as 1.
	Jobs int
}

// FetchAll retrieves every source into dstDir.
// It stops at the first source that cannot be retrieved.
func (f *Fetcher) FetchAll(ctx context.Context, sources []buildspec.SourceFile, dstDir string) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(max(f.Jobs, 1))
	for _, src := range sources {
		grp.Go(func() error {
			return f.Fetch(grpCtx, src, dstDir)
		})
	}
	return grp.Wait()
}

// Fetch retrieves a single source to the file dstDir/src.Name.
// Candidate locations are tried in order;
// the first one whose content matches src.Hash is used
// and the remaining candidates are not consulted.
// A candidate that fails or does not verify leaves nothing behind in dstDir.
func (f *Fetcher) Fetch(ctx context.Context, src buildspec.SourceFile, dstDir string) error {
	dst := filepath.Join(dstDir, src.Name)
	unavailable := &UnavailableError{Name: src.Name}
	for _, raw := range src.URLs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fetch %s: %w", src.Name, err)
		}
		log.Infof(ctx, "Fetching %s from %s", src.Name, raw)
		err := f.fetchCandidate(ctx, raw, src.Hash, dst)
		if err == nil {
			log.Debugf(ctx, "Fetched %s to %s", src.Name, dst)
			return nil
		}
		log.Warnf(ctx, "Could not fetch %s from %s: %v", src.Name, raw, err)
		unavailable.Attempts = append(unavailable.Attempts, err)
	}
	return unavailable
}

func (f *Fetcher) fetchCandidate(ctx context.Context, raw string, want pkgstore.Digest, dst string) error {
	loc, err := ParseLocation(raw, f.BaseDir)
	if err != nil {
		return err
	}
	switch loc.Kind {
	case LocalFile:
		return copyVerified(ctx, loc.Path, want, dst)
	default:
		return fmt.Errorf("%s: %w (%s)", raw, ErrUnsupportedScheme, loc.Kind)
	}
}

// copyVerified copies the file at src to dst,
// hashing the content as it is copied.
// The copy is written to a temporary file next to dst
// and only moved into place once its digest matches want.
func copyVerified(ctx context.Context, src string, want pkgstore.Digest, dst string) (err error) {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	info, err := r.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".fetch-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			if rmErr := os.Remove(tmp.Name()); rmErr != nil {
				log.Errorf(ctx, "Remove partial download: %v", rmErr)
			}
		}
	}()
	h := pkgstore.NewHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return fmt.Errorf("copy %s: %v", src, err)
	}
	if got := pkgstore.DigestOf(h); got != want {
		return &HashMismatchError{Location: src, Want: want, Got: got}
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	return nil
}
