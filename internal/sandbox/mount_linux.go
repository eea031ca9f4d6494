// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"errors"
	"os"

	"bados.dev/pkg/internal/osutil"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// bindMountReadOnly bind-mounts the directory oldname at newname
// and then remounts it read-only.
// A bind mount ignores MS_RDONLY on creation, so this takes two calls.
// isMount is true if and only if a mount exists at newname when bindMountReadOnly returns.
func bindMountReadOnly(ctx context.Context, oldname, newname string) (isMount bool, err error) {
	log.Debugf(ctx, "mount --rbind %s %s", oldname, newname)
	if err := unix.Mount(oldname, newname, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return false, err
	}
	log.Debugf(ctx, "mount -o remount,bind,ro %s", newname)
	if err := unix.Mount("", newname, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		if err2 := unmount(newname); err2 != nil {
			log.Errorf(ctx, "Failed to unmount %s during cleanup: %v", newname, err2)
			return true, err
		}
		return false, err
	}
	return true, nil
}

func unmount(path string) error {
	err := unix.Unmount(path, osutil.UnmountNoFollow)
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return &os.PathError{Op: "umount", Path: path, Err: err}
	}
	return nil
}
