// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package pkgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bados.dev/pkg/internal/osutil"
	"github.com/google/uuid"
	"zombiezen.com/go/log"
)

const stagingPrefix = ".staging-"

// CommitOptions is the set of optional parameters to [Directory.Commit].
type CommitOptions struct {
	// ReadOnly removes write permissions from the entry once it is published.
	ReadOnly bool
}

// Commit creates the store entry for t.
// populate is called with the path of an empty, private staging directory
// and must fill it with the entry's content.
// The staging directory is then published as the entry with an atomic rename
// that never replaces an existing entry,
// so at most one concurrent Commit for the same triplet succeeds.
// The others return an error for which errors.Is(err, [ErrAlreadyExists]) reports true
// and leave the existing entry untouched.
func (dir Directory) Commit(ctx context.Context, t Triplet, opts *CommitOptions, populate func(stagingDir string) error) (err error) {
	if opts == nil {
		opts = new(CommitOptions)
	}
	dst := dir.ObjectPath(t)
	if exists, err := dir.Has(t); err != nil {
		return fmt.Errorf("commit %s: %v", t, err)
	} else if exists {
		return fmt.Errorf("commit %s: %s: %w", t, dst, ErrAlreadyExists)
	}

	staging := filepath.Join(dir.StoreDir(), stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return fmt.Errorf("commit %s: %v", t, err)
	}
	published := false
	defer func() {
		if published {
			return
		}
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			log.Errorf(ctx, "Clean up staging directory for %s: %v", t, rmErr)
		}
	}()

	log.Debugf(ctx, "Populating %s for %s", staging, t)
	if err := populate(staging); err != nil {
		return fmt.Errorf("commit %s: %w", t, err)
	}
	if err := osutil.RenameNoReplace(staging, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("commit %s: %s: %w", t, dst, ErrAlreadyExists)
		}
		return fmt.Errorf("commit %s: %v", t, err)
	}
	published = true
	log.Infof(ctx, "Committed %s", dst)

	if opts.ReadOnly {
		if err := osutil.MakePublicReadOnly(dst, nil); err != nil {
			log.Warnf(ctx, "Could not make %s read-only: %v", dst, err)
		}
	}
	return nil
}
