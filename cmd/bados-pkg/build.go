// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/pkgbuild"
	"bados.dev/pkg/pkgstore"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	configPath string
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options]",
		Short:                 "build a package from a build specification",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().StringVar(&opts.configPath, "from-config", "Build.toml", "`path` to build specification")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	if err := g.PackageDirectory.Check(); err != nil {
		return err
	}
	b, closeBuilder := g.newBuilder()
	defer closeBuilder()
	b.OnStage = func(t pkgstore.Triplet, stage pkgbuild.Stage) {
		if t == "" {
			log.Debugf(ctx, "Build entered stage %v", stage)
		} else {
			log.Debugf(ctx, "Build of %s entered stage %v", t, stage)
		}
	}

	result, err := b.BuildFile(ctx, opts.configPath)
	if err != nil {
		return err
	}
	fmt.Println(result.Path)
	return nil
}

type hashOptions struct {
	configPath string
}

func newHashCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "hash [options]",
		Short:                 "print the store entry a build specification would produce",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(hashOptions)
	c.Flags().StringVar(&opts.configPath, "from-config", "Build.toml", "`path` to build specification")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runHash(cmd.Context(), g, opts)
	}
	return c
}

func runHash(ctx context.Context, g *globalConfig, opts *hashOptions) error {
	spec, err := buildspec.ReadFile(opts.configPath)
	if err != nil {
		return err
	}
	hashOpts := g.hashOptions()
	t, err := spec.Triplet(&hashOpts)
	if err != nil {
		return err
	}
	exists, err := g.PackageDirectory.Has(t)
	if err != nil {
		log.Debugf(ctx, "Check for %s: %v", t, err)
	}
	fmt.Printf("%s\t%v\n", t, t.Digest().NixHash().SRI())
	if exists {
		log.Infof(ctx, "%s is already in %s", t, g.PackageDirectory)
	}
	return nil
}
