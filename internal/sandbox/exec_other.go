// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"runtime"
)

// Run returns a [*BuildFailedError]:
// builds require Linux namespaces.
func (sb *Sandbox) Run(ctx context.Context, init string, args []string, opts *RunOptions) error {
	return &BuildFailedError{
		Init: init,
		Err:  fmt.Errorf("sandboxed builds not supported on %s", runtime.GOOS),
	}
}

// Probe returns an error: builds require Linux namespaces.
func Probe(ctx context.Context, mode UserNamespaceMode) error {
	return fmt.Errorf("sandboxed builds not supported on %s", runtime.GOOS)
}
