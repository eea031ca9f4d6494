// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	rootUID = 0
	rootGID = 0
)

// IsRoot reports whether the process is running as the Unix root user.
func IsRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == rootUID
}

// CopyFile copies the regular file at src to a new file at dst.
// dst must not already exist.
// The permission bits of src are preserved (subject to umask).
func CopyFile(dst, src string) (err error) {
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
		return fmt.Errorf("copy %s: not a regular file", src)
	}
	return WriteFileFrom(dst, r, info.Mode().Perm())
}

// WriteFileFrom creates a new file at dst with the given permissions
// and fills it with the content of r.
// dst must not already exist.
// On failure, the partially written file is removed.
func WriteFileFrom(dst string, r io.Reader, perm fs.FileMode) (err error) {
	w, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL|O_NOFOLLOW, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()
	_, err1 := io.Copy(w, r)
	err2 := w.Close()
	if err1 != nil {
		return fmt.Errorf("write %s: %v", dst, err1)
	}
	if err2 != nil {
		return fmt.Errorf("write %s: %v", dst, err2)
	}
	return nil
}

// CopyTree copies the contents of the directory src into the existing directory dst.
// Regular files, directories, and symbolic links are copied;
// any other file type is an error.
// Symbolic links are recreated verbatim and never followed.
func CopyTree(dst, src string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		switch entry.Type() {
		case 0:
			return CopyFile(target, path)
		case fs.ModeDir:
			info, err := entry.Info()
			if err != nil {
				return err
			}
			// Keep the directory writable until its contents are copied.
			return os.Mkdir(target, info.Mode().Perm()|0o700)
		case fs.ModeSymlink:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return fmt.Errorf("copy %s: unsupported file type %v", path, entry.Type())
		}
	})
}

// MakePublicReadOnly removes any write permissions on the filesystem object at the given path
// and adds read permissions for all users.
// If the path names a directory,
// then this applies recursively to any filesystem objects in the directory.
//
// If onError is not nil, it will be used to handle any errors encountered.
// Its return value is handled in the same manner as in [io/fs.WalkDirFunc].
func MakePublicReadOnly(path string, onError func(error) error) error {
	if onError == nil {
		onError = func(err error) error { return err }
	}
	// Directories are changed after their contents
	// so that the walk can still descend into them.
	var dirs []string
	err := filepath.WalkDir(path, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return onError(err)
		}
		if entry.Type() == fs.ModeSymlink {
			return nil
		}
		if entry.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		return makeEntryReadOnly(path, entry, onError)
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		info, err := os.Lstat(dirs[i])
		if err != nil {
			if err := onError(err); err != nil {
				return err
			}
			continue
		}
		if err := makeEntryReadOnly(dirs[i], fs.FileInfoToDirEntry(info), onError); err != nil {
			return err
		}
	}
	return nil
}

func makeEntryReadOnly(path string, entry fs.DirEntry, onError func(error) error) error {
	existingMode := os.FileMode(0o666)
	if runtime.GOOS != "windows" {
		info, err := entry.Info()
		if err != nil {
			return onError(err)
		}
		const permMask = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky | os.ModeAppend | os.ModeExclusive | os.ModeTemporary
		existingMode = info.Mode() & permMask
	}

	newMode := (existingMode | 0o444) &^ 0o222 // +r-w
	if entry.IsDir() || existingMode&0o111 != 0 {
		newMode |= 0o111 // +x
	}
	if err := os.Chmod(path, newMode); err != nil {
		return onError(err)
	}

	if IsRoot() {
		if err := os.Lchown(path, rootUID, rootGID); err != nil {
			return onError(err)
		}
	}
	return nil
}
