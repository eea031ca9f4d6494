// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// UnmountNoFollow is the flag to [unix.Unmount] to prevent it from following symbolic links.
const UnmountNoFollow = unix.UMOUNT_NOFOLLOW

// UnmountAll unmounts every mount point at or below path,
// deepest first.
// It is not an error if path does not exist.
func UnmountAll(path string) error {
	realPath, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unmount %s: %w", path, err)
	}
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(realPath))
	if err != nil {
		return fmt.Errorf("unmount %s: %w", path, err)
	}
	slices.SortFunc(mounts, func(a, b *mountinfo.Info) int {
		return -cmp.Compare(len(a.Mountpoint), len(b.Mountpoint))
	})
	var errs []error
	for _, m := range mounts {
		err := ignoringEINTR(func() error {
			return unix.Unmount(m.Mountpoint, UnmountNoFollow)
		})
		if err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, &os.PathError{Op: "umount", Path: m.Mountpoint, Err: err})
		}
	}
	return errors.Join(errs...)
}

// UnmountAndRemoveAll unmounts any mount points under path
// and then removes path and everything it contains.
// It refuses to remove anything if a mount point could not be unmounted,
// so that removal never reaches through a mount into another tree.
func UnmountAndRemoveAll(path string) error {
	if err := UnmountAll(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}
