// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"bados.dev/pkg/internal/storeindex"
	"bados.dev/pkg/pkgstore"
	"github.com/spf13/cobra"
)

func newStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:           "store COMMAND",
		Short:         "inspect the package store",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.AddCommand(
		newStoreListCommand(g),
		newStoreInfoCommand(g),
	)
	return c
}

func newStoreListCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "list [options]",
		Short:                 "list store entries",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreList(cmd.Context(), g, os.Stdout)
	}
	return c
}

func runStoreList(ctx context.Context, g *globalConfig, w io.Writer) error {
	if err := g.PackageDirectory.Check(); err != nil {
		return err
	}
	if !g.Index {
		triplets, err := g.PackageDirectory.Entries()
		if err != nil {
			return err
		}
		for _, t := range triplets {
			fmt.Fprintln(w, t)
		}
		return nil
	}

	idx := storeindex.Open(storeindex.Path(g.PackageDirectory))
	defer idx.Close()
	entries, err := idx.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Triplet, e.Kind)
	}
	return nil
}

func newStoreInfoCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "info [options] TRIPLET",
		Short:                 "show information about a store entry",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		t, err := pkgstore.ParseTriplet(args[0])
		if err != nil {
			return err
		}
		return runStoreInfo(cmd.Context(), g, os.Stdout, t)
	}
	return c
}

func runStoreInfo(ctx context.Context, g *globalConfig, w io.Writer, t pkgstore.Triplet) error {
	exists, err := g.PackageDirectory.Has(t)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", t, os.ErrNotExist)
	}
	var idx *storeindex.Index
	var e *storeindex.Entry
	if g.Index {
		idx = storeindex.Open(storeindex.Path(g.PackageDirectory))
		defer idx.Close()
		e, err = idx.Lookup(ctx, t)
		if err != nil && !errors.Is(err, storeindex.ErrNotFound) {
			return err
		}
	}

	fmt.Fprintf(w, "Path:         %s\n", g.PackageDirectory.ObjectPath(t))
	if e != nil {
		fmt.Fprintf(w, "Name:         %s\n", e.Name)
		fmt.Fprintf(w, "Version:      %s\n", e.Version)
	} else {
		// Best effort: the split is ambiguous for hyphenated versions.
		fmt.Fprintf(w, "Name:         %s\n", t.Name())
		fmt.Fprintf(w, "Version:      %s\n", t.Version())
	}
	fmt.Fprintf(w, "Digest:       %v\n", t.Digest().NixHash().SRI())
	if !g.Index {
		return nil
	}
	if e == nil {
		fmt.Fprintf(w, "(not in index)\n")
		return nil
	}
	fmt.Fprintf(w, "Kind:         %s\n", e.Kind)
	if e.Source != "" {
		fmt.Fprintf(w, "Source:       %s\n", e.Source)
	}
	fmt.Fprintf(w, "Created:      %s\n", e.CreatedAt.Local().Format(time.RFC3339))
	for _, dep := range e.Dependencies {
		fmt.Fprintf(w, "Dependency:   %s\n", dep)
	}
	dependents, err := idx.Dependents(ctx, t)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		fmt.Fprintf(w, "Dependent:    %s\n", dep)
	}
	return nil
}
