// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"bados.dev/pkg/internal/pkgbuild"
	"bados.dev/pkg/pkgstore"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

type installOptions struct {
	copyFile    string
	fromArchive string
	name        string
	version     string
	packages    []string
}

func newInstallCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "install [options] {--copy-file FILE | --from-archive FILE | PACKAGE}",
		Short:                 "install a file, an archive, or a package into the store",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MaximumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(installOptions)
	c.Flags().StringVar(&opts.copyFile, "copy-file", "", "copy the regular file at `path` into the store")
	c.Flags().StringVar(&opts.fromArchive, "from-archive", "", "extract the archive at `path` into the store (- for stdin)")
	c.Flags().StringVar(&opts.name, "name", "", "package `name` (defaults to the file name)")
	c.Flags().StringVar(&opts.version, "set-version", pkgbuild.DefaultVersion, "package `version`")
	c.MarkFlagsMutuallyExclusive("copy-file", "from-archive")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runInstall(cmd.Context(), g, opts)
	}
	return c
}

func runInstall(ctx context.Context, g *globalConfig, opts *installOptions) error {
	if len(opts.packages) > 0 && (opts.copyFile != "" || opts.fromArchive != "") {
		return fmt.Errorf("cannot combine a package name with --copy-file or --from-archive")
	}
	if len(opts.packages) == 0 && opts.copyFile == "" && opts.fromArchive == "" {
		return fmt.Errorf("one of --copy-file, --from-archive, or a package name is required")
	}
	if len(opts.packages) > 0 {
		return fmt.Errorf("install %s: installing from a repository is not implemented", opts.packages[0])
	}
	if err := g.PackageDirectory.Check(); err != nil {
		return err
	}

	b, closeBuilder := g.newBuilder()
	defer closeBuilder()
	installOpts := &pkgbuild.InstallOptions{
		Name:    opts.name,
		Version: opts.version,
	}
	var result *pkgbuild.Result
	var err error
	switch {
	case opts.copyFile != "":
		result, err = b.InstallFile(ctx, opts.copyFile, installOpts)
	case opts.fromArchive == "-":
		if opts.name == "" {
			return fmt.Errorf("--name is required when reading an archive from stdin")
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("refusing to read archive from a terminal")
		}
		result, err = b.InstallArchiveReader(ctx, os.Stdin, installOpts)
	default:
		result, err = b.InstallArchive(ctx, opts.fromArchive, installOpts)
	}
	if errors.Is(err, pkgstore.ErrAlreadyExists) {
		log.Infof(ctx, "%v", err)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println(result.Path)
	return nil
}
