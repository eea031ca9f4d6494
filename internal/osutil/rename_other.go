// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package osutil

// RenameNoReplace renames the directory oldpath to newpath
// if and only if newpath does not exist.
// If newpath exists, the returned error satisfies errors.Is(err, [os.ErrExist]).
func RenameNoReplace(oldpath, newpath string) error {
	return renameDirClaiming(oldpath, newpath)
}
