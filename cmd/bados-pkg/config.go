// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/pkgbuild"
	"bados.dev/pkg/internal/sandbox"
	"bados.dev/pkg/internal/storeindex"
	"bados.dev/pkg/pkgstore"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
)

type globalConfig struct {
	Debug               bool                              `json:"debug"`
	PackageDirectory    pkgstore.Directory                `json:"packageDirectory"`
	TempDirectory       string                            `json:"tempDirectory"`
	PackageDependencies buildspec.PackageDependencyPolicy `json:"packageDependencies"`
	Jobs                int                               `json:"jobs"`
	ReadOnlyStore       bool                              `json:"readOnlyStore"`
	UserNamespace       sandbox.UserNamespaceMode         `json:"userNamespace"`
	Index               bool                              `json:"index"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		PackageDirectory: pkgstore.DefaultDirectory,
		TempDirectory:    os.TempDir(),
		Jobs:             1,
		ReadOnlyStore:    true,
		Index:            true,
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if os.Getenv("BADOS_PKGDIR") != "" {
		pkgDir, err := pkgstore.DirectoryFromEnvironment()
		if err != nil {
			return err
		}
		g.PackageDirectory = pkgDir
	}
	if dir := os.Getenv("BADOS_TMPDIR"); dir != "" {
		g.TempDirectory = dir
	}
	return nil
}

// mergeFiles merges the configuration files at the given paths in order.
// Files that do not exist are skipped.
func (g *globalConfig) mergeFiles(paths []string) error {
	for _, path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		k := keyToken.String()
		var dst any
		switch k {
		case "debug":
			dst = &g.Debug
		case "packageDirectory":
			dst = &g.PackageDirectory
		case "tempDirectory":
			dst = &g.TempDirectory
		case "packageDependencies":
			dst = &g.PackageDependencies
		case "jobs":
			dst = &g.Jobs
		case "readOnlyStore":
			dst = &g.ReadOnlyStore
		case "userNamespace":
			dst = &g.UserNamespace
		case "index":
			dst = &g.Index
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
			continue
		}
		if err := jsonv2.UnmarshalDecode(in, dst); err != nil {
			return fmt.Errorf("unmarshal config.%s: %w", k, err)
		}
	}
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(string(g.PackageDirectory)) {
		return fmt.Errorf("package directory %q is not absolute", g.PackageDirectory)
	}
	if g.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1 (got %d)", g.Jobs)
	}
	return nil
}

// newBuilder returns a builder configured from g.
// The caller must call close when it is done with the builder.
func (g *globalConfig) newBuilder() (b *pkgbuild.Builder, close func()) {
	b = &pkgbuild.Builder{
		Store:         g.PackageDirectory,
		TempDir:       g.TempDirectory,
		Hash:          g.hashOptions(),
		Jobs:          g.Jobs,
		ReadOnly:      g.ReadOnlyStore,
		UserNamespace: g.UserNamespace,
		Stdout:        os.Stderr,
		Stderr:        os.Stderr,
	}
	if !g.Index {
		return b, func() {}
	}
	b.Index = storeindex.Open(storeindex.Path(g.PackageDirectory))
	return b, func() { b.Index.Close() }
}

func (g *globalConfig) hashOptions() buildspec.HashOptions {
	return buildspec.HashOptions{
		PackageDependencies: g.PackageDependencies,
	}
}
