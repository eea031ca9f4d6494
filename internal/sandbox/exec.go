// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"fmt"
	"io"
	"path"
	"strings"
)

// BuildFailedError is returned when a build's entry point
// could not be started or exited unsuccessfully.
type BuildFailedError struct {
	Init string
	Err  error
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Init, e.Err)
}

func (e *BuildFailedError) Unwrap() error {
	return e.Err
}

// UserNamespaceMode controls whether a build runs in its own user namespace.
// When this process is root and no user namespace is used,
// the build runs as the unprivileged "nobody" user (uid and gid 65534)
// and the output directory is handed to that user.
type UserNamespaceMode int

const (
	// UserNamespaceAuto uses a user namespace only when not running as root.
	UserNamespaceAuto UserNamespaceMode = iota
	// UserNamespaceAlways always uses a user namespace
	// that maps the caller to root.
	UserNamespaceAlways
	// UserNamespaceNever never uses a user namespace.
	UserNamespaceNever
)

// ParseUserNamespaceMode parses "auto", "always", or "never".
func ParseUserNamespaceMode(s string) (UserNamespaceMode, error) {
	switch s {
	case "auto":
		return UserNamespaceAuto, nil
	case "always":
		return UserNamespaceAlways, nil
	case "never":
		return UserNamespaceNever, nil
	default:
		return 0, fmt.Errorf("unknown user namespace mode %q", s)
	}
}

func (mode UserNamespaceMode) String() string {
	switch mode {
	case UserNamespaceAuto:
		return "auto"
	case UserNamespaceAlways:
		return "always"
	case UserNamespaceNever:
		return "never"
	default:
		return fmt.Sprintf("UserNamespaceMode(%d)", int(mode))
	}
}

// MarshalText returns the mode's name.
func (mode UserNamespaceMode) MarshalText() ([]byte, error) {
	return []byte(mode.String()), nil
}

// UnmarshalText parses the mode with [ParseUserNamespaceMode].
func (mode *UserNamespaceMode) UnmarshalText(text []byte) error {
	var err error
	*mode, err = ParseUserNamespaceMode(string(text))
	return err
}

// RunOptions is the set of optional parameters to [*Sandbox.Run].
type RunOptions struct {
	// Stdout and Stderr receive the build process's output.
	// If nil, the output is discarded.
	Stdout io.Writer
	Stderr io.Writer

	UserNamespace UserNamespaceMode
}

// sandboxPath returns the absolute path of the entry point inside the sandbox.
// Relative paths are relative to the sandbox root.
func sandboxPath(init string) string {
	if strings.HasPrefix(init, "/") {
		return path.Clean(init)
	}
	return path.Join("/", init)
}
