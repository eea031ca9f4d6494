// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package osutil

import "os"

// UnmountAll is a no-op on platforms without bind mounts.
func UnmountAll(path string) error {
	return nil
}

// UnmountAndRemoveAll removes path and everything it contains.
func UnmountAndRemoveAll(path string) error {
	return os.RemoveAll(path)
}
