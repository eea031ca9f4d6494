// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package pkgbuild drives package builds and installs
// from a build specification or a file to a committed store entry.
package pkgbuild

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/fetch"
	"bados.dev/pkg/internal/osutil"
	"bados.dev/pkg/internal/sandbox"
	"bados.dev/pkg/internal/storeindex"
	"bados.dev/pkg/pkgstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// cleanupTimeout is how long sandbox teardown may continue
// after a build's context is canceled.
const cleanupTimeout = 30 * time.Second

// A Builder builds and installs packages into a store.
// Its exported fields must not be changed once it is in use.
// A Builder is safe to use from multiple goroutines.
type Builder struct {
	// Store is the store entries are committed to
	// and build dependencies are mounted from.
	// Its layout must already be initialized.
	Store pkgstore.Directory
	// TempDir is the directory sandboxes and temporary files are created in.
	// If empty, [os.TempDir] is used.
	TempDir string
	// Hash controls how build specifications are hashed.
	Hash buildspec.HashOptions
	// Jobs is the maximum number of sources retrieved concurrently.
	Jobs int
	// ReadOnly makes committed entries read-only.
	ReadOnly bool
	// UserNamespace controls whether builds run in a user namespace.
	UserNamespace sandbox.UserNamespaceMode
	// Index, if not nil, receives a record of every committed entry.
	Index *storeindex.Index

	// Stdout and Stderr receive the output of build processes.
	Stdout io.Writer
	Stderr io.Writer

	// OnStage, if not nil, is called every time a build invocation changes stage.
	OnStage func(t pkgstore.Triplet, stage Stage)

	locks mutexMap[pkgstore.Triplet]
}

// Result describes a committed store entry.
type Result struct {
	Triplet pkgstore.Triplet
	// Path is the entry's location in the store.
	Path string
}

// BuildOptions is the set of optional parameters to [*Builder.Build].
type BuildOptions struct {
	// BaseDir is the directory that relative source locations are resolved against.
	BaseDir string
	// Source names the specification in the index.
	Source string
}

// BuildFile reads the build specification at path and builds it.
// Relative source locations are resolved against the specification's directory.
func (b *Builder) BuildFile(ctx context.Context, path string) (*Result, error) {
	spec, err := buildspec.ReadFile(path)
	if err != nil {
		b.report("", Failed)
		return nil, &StageError{Stage: Parsed, Err: err}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	return b.Build(ctx, spec, &BuildOptions{
		BaseDir: filepath.Dir(absPath),
		Source:  absPath,
	})
}

// Build builds spec and commits its output to the store.
// Any error returned is a [*StageError] naming the stage that failed.
// If the entry already exists, Build fails at the [Committed] stage
// with an error wrapping [pkgstore.ErrAlreadyExists]
// and the existing entry is left untouched.
// The sandbox is always torn down before Build returns.
// On failure, [Failed] is reported before the teardown's [CleanedUp].
func (b *Builder) Build(ctx context.Context, spec *buildspec.Spec, opts *BuildOptions) (*Result, error) {
	if opts == nil {
		opts = new(BuildOptions)
	}
	inv := &invocation{builder: b}
	inv.enter(Parsed)

	t, err := spec.Triplet(&b.Hash)
	if err != nil {
		return nil, inv.fail(Hashed, err)
	}
	inv.triplet = t
	log.Infof(ctx, "Building %s", t)
	inv.enter(Hashed)

	unlock, err := b.locks.lock(ctx, t)
	if err != nil {
		return nil, inv.fail(SandboxReady, err)
	}
	defer unlock()
	if exists, err := b.Store.Has(t); err != nil {
		return nil, inv.fail(SandboxReady, err)
	} else if exists {
		return nil, inv.fail(Committed, fmt.Errorf("%s: %w", b.Store.ObjectPath(t), pkgstore.ErrAlreadyExists))
	}

	sb, err := sandbox.Assemble(ctx, spec, t, &sandbox.Options{
		Store:   b.Store,
		TempDir: b.TempDir,
		Fetcher: &fetch.Fetcher{
			BaseDir: opts.BaseDir,
			Jobs:    b.Jobs,
		},
	})
	if err != nil {
		return nil, inv.fail(SandboxReady, err)
	}
	defer func() {
		cleanupCtx, cancel := xcontext.KeepAlive(ctx, cleanupTimeout)
		defer cancel()
		if err := sb.Close(cleanupCtx); err != nil {
			log.Errorf(ctx, "%v", err)
			return
		}
		inv.enter(CleanedUp)
	}()
	inv.enter(SandboxReady)

	err = sb.Run(ctx, spec.Build.Init, spec.Build.Args, &sandbox.RunOptions{
		Stdout:        b.Stdout,
		Stderr:        b.Stderr,
		UserNamespace: b.UserNamespace,
	})
	if err != nil {
		return nil, inv.fail(Executed, err)
	}
	inv.enter(Executed)

	err = b.Store.Commit(ctx, t, b.commitOptions(), func(stagingDir string) error {
		if err := osutil.CopyTree(stagingDir, sb.OutputDir); err != nil {
			return fmt.Errorf("copy build output: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, inv.fail(Committed, err)
	}
	inv.enter(Committed)

	deps := make([]pkgstore.Triplet, 0, len(spec.Build.Dependencies))
	for _, dep := range spec.Build.Dependencies {
		depTriplet, _ := dep.Triplet()
		deps = append(deps, depTriplet)
	}
	b.record(ctx, &storeindex.Entry{
		Triplet:      t,
		Name:         spec.Package.Name,
		Version:      spec.Package.Version,
		Digest:       t.Digest(),
		Kind:         storeindex.Build,
		Source:       opts.Source,
		Dependencies: deps,
	})
	return &Result{
		Triplet: t,
		Path:    b.Store.ObjectPath(t),
	}, nil
}

func (b *Builder) commitOptions() *pkgstore.CommitOptions {
	return &pkgstore.CommitOptions{ReadOnly: b.ReadOnly}
}

// record adds an entry to the index.
// The index is advisory, so failures are only logged.
func (b *Builder) record(ctx context.Context, e *storeindex.Entry) {
	if b.Index == nil {
		return
	}
	if err := b.Index.Record(ctx, e); err != nil {
		log.Warnf(ctx, "Could not update store index: %v", err)
	}
}

func (b *Builder) report(t pkgstore.Triplet, stage Stage) {
	if b.OnStage != nil {
		b.OnStage(t, stage)
	}
}

// invocation tracks the stage of a single build.
// Once failed, the only further transition it reports is [CleanedUp].
type invocation struct {
	builder *Builder
	triplet pkgstore.Triplet
	stage   Stage
	failed  bool
}

func (inv *invocation) enter(stage Stage) {
	if inv.failed && stage != CleanedUp {
		return
	}
	inv.stage = stage
	if stage == Failed {
		inv.failed = true
	}
	inv.builder.report(inv.triplet, stage)
}

// fail moves the invocation to [Failed]
// and returns err wrapped in a [*StageError] for stage.
func (inv *invocation) fail(stage Stage, err error) error {
	inv.enter(Failed)
	return &StageError{Stage: stage, Err: err}
}
