// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/sandbox"
	"bados.dev/pkg/pkgstore"
	"github.com/spf13/pflag"
)

var (
	_ pflag.Value = (*packageDirectoryFlag)(nil)
	_ pflag.Value = (*policyFlag)(nil)
	_ pflag.Value = (*userNamespaceFlag)(nil)
)

type packageDirectoryFlag pkgstore.Directory

func (f *packageDirectoryFlag) Type() string  { return "string" }
func (f packageDirectoryFlag) String() string { return string(f) }
func (f packageDirectoryFlag) Get() any       { return pkgstore.Directory(f) }

func (f *packageDirectoryFlag) Set(s string) error {
	dir, err := pkgstore.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = packageDirectoryFlag(dir)
	return nil
}

type policyFlag buildspec.PackageDependencyPolicy

func (f *policyFlag) Type() string  { return "string" }
func (f policyFlag) String() string { return buildspec.PackageDependencyPolicy(f).String() }
func (f policyFlag) Get() any       { return buildspec.PackageDependencyPolicy(f) }

func (f *policyFlag) Set(s string) error {
	policy, err := buildspec.ParsePackageDependencyPolicy(s)
	if err != nil {
		return err
	}
	*f = policyFlag(policy)
	return nil
}

type userNamespaceFlag sandbox.UserNamespaceMode

func (f *userNamespaceFlag) Type() string  { return "string" }
func (f userNamespaceFlag) String() string { return sandbox.UserNamespaceMode(f).String() }
func (f userNamespaceFlag) Get() any       { return sandbox.UserNamespaceMode(f) }

func (f *userNamespaceFlag) Set(s string) error {
	mode, err := sandbox.ParseUserNamespaceMode(s)
	if err != nil {
		return err
	}
	*f = userNamespaceFlag(mode)
	return nil
}
