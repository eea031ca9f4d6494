// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// bados-pkg builds packages from build specifications
// and installs them into a content-addressed package store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "bados-pkg",
		Short:         "bados package builder",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		printError(os.Stderr, err)
		os.Exit(1)
	}
	if err := g.mergeFiles(configSearchPaths()); err != nil {
		initLogging(false)
		printError(os.Stderr, err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var((*packageDirectoryFlag)(&g.PackageDirectory), "pkgdir", "path to package `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.TempDirectory, "tmpdir", g.TempDirectory, "`dir`ectory to create build sandboxes in")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")
	rootCommand.PersistentFlags().IntVarP(&g.Jobs, "jobs", "j", g.Jobs, "maximum `number` of sources to retrieve at once")
	rootCommand.PersistentFlags().Var((*policyFlag)(&g.PackageDependencies), "package-dependencies", "whether package dependencies are `hash`ed or ignored")
	rootCommand.PersistentFlags().Var((*userNamespaceFlag)(&g.UserNamespace), "user-namespace", "run builds in a user namespace (`mode` is auto, always, or never)")
	rootCommand.PersistentFlags().BoolVar(&g.ReadOnlyStore, "read-only-store", g.ReadOnlyStore, "remove write permissions from new store entries")
	rootCommand.PersistentFlags().BoolVar(&g.Index, "index", g.Index, "record new store entries in the package index")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newInitCommand(g),
		newBuildCommand(g),
		newHashCommand(g),
		newInstallCommand(g),
		newStoreCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newInitCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "init [options]",
		Short:                 "initialize the package directory",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := g.PackageDirectory.Init(); err != nil {
			return err
		}
		log.Infof(cmd.Context(), "Initialized %s", g.PackageDirectory)
		return nil
	}
	return c
}

// configSearchPaths returns the configuration files to read
// in increasing order of precedence.
func configSearchPaths() []string {
	dirs := xdgdir.Config.SearchPaths()
	slices.Reverse(dirs)
	paths := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		paths = append(paths, filepath.Join(dir, "bados-pkg", "config.jwcc"))
	}
	return paths
}

// errorChain returns the message of each error in err's unwrap chain.
// The text that a wrapping error repeats from the error it wraps is removed.
func errorChain(err error) []string {
	var msgs []string
	for err != nil {
		msg := err.Error()
		next := errors.Unwrap(err)
		if next != nil {
			nextMsg := next.Error()
			if msg == nextMsg {
				err = next
				continue
			}
			msg = strings.TrimSuffix(msg, ": "+nextMsg)
		}
		msgs = append(msgs, msg)
		err = next
	}
	return msgs
}

func printError(w io.Writer, err error) {
	for i, msg := range errorChain(err) {
		if i == 0 {
			fmt.Fprintf(w, "error: %s\n", msg)
		} else {
			fmt.Fprintf(w, "caused by: %s\n", msg)
		}
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "bados-pkg: ", log.StdFlags, nil),
		})
	})
}
