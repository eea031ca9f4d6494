// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package sandbox assembles the isolated filesystem a package is built in
// and runs the build's entry point inside it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/fetch"
	"bados.dev/pkg/internal/osutil"
	"bados.dev/pkg/pkgstore"
	"github.com/google/uuid"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// cleanupTimeout is how long teardown may continue
// after the context passed to [Assemble] is canceled.
const cleanupTimeout = 30 * time.Second

// Names of the variables derived during assembly.
const (
	PathVar   = "PATH"
	OutDirVar = "OUT_DIR"
)

// MountError is returned when a dependency cannot be mounted into a sandbox.
type MountError struct {
	Source string
	Target string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s on %s: %v", e.Source, e.Target, e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// Options is the set of parameters to [Assemble].
type Options struct {
	// Store is the package store dependencies are mounted from.
	Store pkgstore.Directory
	// TempDir is the directory the build directory is created in.
	// If empty, [os.TempDir] is used.
	TempDir string
	// Fetcher retrieves the build's sources.
	// If nil, a zero [fetch.Fetcher] is used.
	Fetcher *fetch.Fetcher
}

// A Sandbox is an assembled build directory.
// Callers must call [*Sandbox.Close] when done with it.
type Sandbox struct {
	// Dir is the host path of the build directory.
	// It becomes the root directory of the build process.
	Dir string
	// Triplet is the name of the entry being built.
	Triplet pkgstore.Triplet
	// OutputDir is the host path of the output directory.
	OutputDir string
	// Env is the final environment of the build process.
	Env []buildspec.Var

	mounts []string
	closed bool
}

// Assemble creates a fresh build directory for building spec as t.
// It mounts each build dependency's store entry read-only at /<dependency triplet>,
// retrieves each source to /<source name>,
// and creates the output directory /<t>.
// On failure, everything created so far is torn down before Assemble returns.
func Assemble(ctx context.Context, spec *buildspec.Spec, t pkgstore.Triplet, opts *Options) (_ *Sandbox, err error) {
	if opts == nil {
		opts = new(Options)
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	deps := make([]pkgstore.Triplet, 0, len(spec.Build.Dependencies))
	for _, dep := range spec.Build.Dependencies {
		depTriplet, err := dep.Triplet()
		if err != nil {
			return nil, err
		}
		if depTriplet == t {
			return nil, fmt.Errorf("%s depends on itself", t)
		}
		deps = append(deps, depTriplet)
	}
	for _, src := range spec.Build.Sources {
		if src.Name == string(t) {
			return nil, fmt.Errorf("source %s conflicts with output directory", src.Name)
		}
	}

	sb := &Sandbox{
		Dir:     filepath.Join(tempDir, string(t)+"-"+uuid.NewString()),
		Triplet: t,
	}
	log.Debugf(ctx, "Creating sandbox at %s...", sb.Dir)
	if err := os.Mkdir(sb.Dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create build directory: %s: %w", sb.Dir, pkgstore.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	defer func() {
		if err != nil {
			cleanupCtx, cancel := xcontext.KeepAlive(ctx, cleanupTimeout)
			defer cancel()
			if closeErr := sb.Close(cleanupCtx); closeErr != nil {
				log.Errorf(ctx, "%v", closeErr)
			}
		}
	}()

	for _, depTriplet := range deps {
		src := opts.Store.ObjectPath(depTriplet)
		dst := filepath.Join(sb.Dir, string(depTriplet))
		if err := sb.mountReadOnly(ctx, src, dst); err != nil {
			return nil, err
		}
	}

	f := opts.Fetcher
	if f == nil {
		f = new(fetch.Fetcher)
	}
	if err := f.FetchAll(ctx, spec.Build.Sources, sb.Dir); err != nil {
		return nil, fmt.Errorf("gather sources: %w", err)
	}

	sb.OutputDir = filepath.Join(sb.Dir, string(t))
	if err := os.Mkdir(sb.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build output directory: %w", err)
	}
	sb.Env = DeriveEnv(spec.Build.Vars, deps, t)
	log.Debugf(ctx, "Created sandbox at %s", sb.Dir)
	return sb, nil
}

func (sb *Sandbox) mountReadOnly(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return &MountError{Source: src, Target: dst, Err: err}
	}
	if err := os.Mkdir(dst, 0o755); err != nil {
		return &MountError{Source: src, Target: dst, Err: err}
	}
	isMount, err := bindMountReadOnly(ctx, src, dst)
	if isMount {
		sb.mounts = append(sb.mounts, dst)
	}
	if err != nil {
		return &MountError{Source: src, Target: dst, Err: err}
	}
	return nil
}

// DeriveEnv returns the environment of a build process:
// vars with the derived search path and output directory overlaid.
// The search path lists /<dependency>/bin for each dependency in order,
// followed by any PATH declared in vars.
// OUT_DIR is set to /<t>.
// Derived values replace declared values in place;
// derived variables that were not declared are appended.
func DeriveEnv(vars []buildspec.Var, deps []pkgstore.Triplet, t pkgstore.Triplet) []buildspec.Var {
	overlay := make([]buildspec.Var, 0, 2)
	if len(deps) > 0 {
		elems := make([]string, 0, len(deps)+1)
		for _, dep := range deps {
			elems = append(elems, "/"+string(dep)+"/bin")
		}
		// A declared PATH is not discarded: it is searched after the dependencies.
		for _, v := range vars {
			if v.Key == PathVar && v.Value != "" {
				elems = append(elems, v.Value)
			}
		}
		overlay = append(overlay, buildspec.Var{Key: PathVar, Value: strings.Join(elems, ":")})
	}
	overlay = append(overlay, buildspec.Var{Key: OutDirVar, Value: "/" + string(t)})

	// On a key collision the derived value wins, at the declared position.
	// A declared OUT_DIR is thus replaced outright.
	env := make([]buildspec.Var, 0, len(vars)+len(overlay))
	used := make([]bool, len(overlay))
	for _, v := range vars {
		for i, o := range overlay {
			if v.Key == o.Key {
				v = o
				used[i] = true
				break
			}
		}
		env = append(env, v)
	}
	for i, o := range overlay {
		if !used[i] {
			env = append(env, o)
		}
	}
	return env
}

// Close unmounts the sandbox's dependencies and removes its build directory.
// If any mount cannot be removed, the build directory is left in place
// so that removal never reaches into the store.
// Close is safe to call more than once.
func (sb *Sandbox) Close(ctx context.Context) error {
	if sb.closed {
		return nil
	}
	var errs []error
	for i := len(sb.mounts) - 1; i >= 0; i-- {
		m := sb.mounts[i]
		log.Debugf(ctx, "umount %s", m)
		if err := unmount(m); err != nil {
			errs = append(errs, err)
		}
	}
	sb.mounts = nil
	if len(errs) == 0 {
		if err := osutil.UnmountAndRemoveAll(sb.Dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clean up sandbox %s: %w", sb.Dir, err)
	}
	sb.closed = true
	log.Debugf(ctx, "Removed sandbox %s", sb.Dir)
	return nil
}
