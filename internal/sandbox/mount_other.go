// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package sandbox

import (
	"context"
	"errors"
	"runtime"
)

func bindMountReadOnly(ctx context.Context, oldname, newname string) (isMount bool, err error) {
	return false, errors.New("bind mounts not supported on " + runtime.GOOS)
}

func unmount(path string) error {
	return nil
}
