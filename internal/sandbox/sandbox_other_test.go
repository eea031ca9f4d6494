// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package sandbox

import (
	"fmt"
	"os"
)

func runPlatformTestBuilder(mode string) int {
	fmt.Fprintf(os.Stderr, "unknown test builder mode %q\n", mode)
	return 2
}
