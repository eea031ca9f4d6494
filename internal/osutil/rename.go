// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package osutil

import "os"

// renameDirClaiming renames the directory oldpath to newpath
// by first claiming newpath with an exclusive mkdir.
// Renaming a directory onto an empty directory replaces it,
// so only the process that created newpath proceeds.
func renameDirClaiming(oldpath, newpath string) error {
	if err := os.Mkdir(newpath, 0o700); err != nil {
		return err
	}
	if err := os.Rename(oldpath, newpath); err != nil {
		os.Remove(newpath)
		return err
	}
	return nil
}
