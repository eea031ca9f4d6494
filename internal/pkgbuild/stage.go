// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

//go:generate go tool stringer -type=Stage -linecomment -output=stage_string.go

package pkgbuild

import "fmt"

// Stage is a state of a build invocation.
// A successful build moves through the stages in order;
// a failure moves directly to [Failed].
// Cleanup is attempted in either case.
type Stage int

const (
	Parsed       Stage = iota // parsed
	Hashed                    // hashed
	SandboxReady              // sandbox-ready
	Executed                  // executed
	Committed                 // committed
	CleanedUp                 // cleaned-up
	Failed                    // failed
)

// action describes the work done to reach the stage.
func (stage Stage) action() string {
	switch stage {
	case Parsed:
		return "parse build specification"
	case Hashed:
		return "compute package hash"
	case SandboxReady:
		return "prepare sandbox"
	case Executed:
		return "execute build"
	case Committed:
		return "commit to store"
	case CleanedUp:
		return "clean up"
	default:
		return stage.String()
	}
}

// StageError is returned when a build invocation fails.
// Stage is the stage the invocation was trying to reach.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage.action(), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
