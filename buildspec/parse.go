// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package buildspec

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"bados.dev/pkg/pkgstore"
	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"
)

// document is the TOML shape of a build specification.
type document struct {
	Package *struct {
		Name         string          `toml:"name"`
		Version      string          `toml:"version"`
		Dependencies []dependencyDoc `toml:"pkg_deps"`
	} `toml:"pkg_data"`
	Build *struct {
		Dependencies []dependencyDoc   `toml:"build_deps"`
		Sources      []sourceFileDoc   `toml:"src_files"`
		Vars         map[string]string `toml:"build_vars"`
		Init         string            `toml:"build_init"`
		Args         []string          `toml:"build_args"`
	} `toml:"build_data"`
}

type dependencyDoc struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Hash    string `toml:"hash"`
}

type sourceFileDoc struct {
	Name string   `toml:"name"`
	Hash string   `toml:"hash"`
	URLs []string `toml:"urls"`
}

// ParseError is returned when a build specification cannot be parsed or is invalid.
type ParseError struct {
	// Path is the file the specification was read from, if known.
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse build specification: %v", e.Err)
	}
	return fmt.Sprintf("parse build specification %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ReadFile reads and parses the build specification at the given path.
func ReadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build specification: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		if perr, ok := err.(*ParseError); ok {
			perr.Path = path
		}
		return nil, err
	}
	return spec, nil
}

// Parse parses and validates a TOML build specification.
// Build variables are kept in the order they are declared in the document.
// Unknown keys are rejected.
// Any error returned is of type [*ParseError].
func Parse(data []byte) (*Spec, error) {
	var doc document
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	if doc.Package == nil {
		return nil, &ParseError{Err: fmt.Errorf("missing [pkg_data] section")}
	}
	if doc.Build == nil {
		return nil, &ParseError{Err: fmt.Errorf("missing [build_data] section")}
	}

	spec := &Spec{
		Package: Package{
			Name:    doc.Package.Name,
			Version: doc.Package.Version,
		},
		Build: Plan{
			Init: doc.Build.Init,
			Args: doc.Build.Args,
		},
	}
	var err error
	spec.Package.Dependencies, err = convertDependencies("pkg_deps", doc.Package.Dependencies)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	spec.Build.Dependencies, err = convertDependencies("build_deps", doc.Build.Dependencies)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	for i, src := range doc.Build.Sources {
		h, err := pkgstore.ParseDigest(src.Hash)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("src_files[%d] (%s): %w", i, src.Name, err)}
		}
		spec.Build.Sources = append(spec.Build.Sources, SourceFile{
			Name: src.Name,
			Hash: h,
			URLs: src.URLs,
		})
	}

	order, err := buildVarOrder(data)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(order) != len(doc.Build.Vars) {
		return nil, &ParseError{Err: fmt.Errorf("build_vars: found %d declarations for %d variables", len(order), len(doc.Build.Vars))}
	}
	for _, k := range order {
		v, ok := doc.Build.Vars[k]
		if !ok {
			return nil, &ParseError{Err: fmt.Errorf("build_vars: could not locate declaration of %q", k)}
		}
		spec.Build.Vars = append(spec.Build.Vars, Var{Key: k, Value: v})
	}

	if err := spec.Validate(); err != nil {
		return nil, &ParseError{Err: err}
	}
	return spec, nil
}

func convertDependencies(field string, docs []dependencyDoc) ([]Dependency, error) {
	var deps []Dependency
	for i, d := range docs {
		h, err := pkgstore.ParseDigest(d.Hash)
		if err != nil {
			return nil, fmt.Errorf("%s[%d] (%s): %w", field, i, d.Name, err)
		}
		deps = append(deps, Dependency{
			Name:    d.Name,
			Version: d.Version,
			Hash:    h,
		})
	}
	return deps, nil
}

// buildVarsKey is the key path of the build variables table.
var buildVarsKey = []string{"build_data", "build_vars"}

// buildVarOrder returns the names of the build variables
// in the order they appear in the TOML document.
// Decoding into a map loses this order,
// so the document is walked a second time with the low-level parser.
func buildVarOrder(data []byte) ([]string, error) {
	p := new(unstable.Parser)
	p.Reset(data)
	var table, order []string
	for p.NextExpression() {
		expr := p.Expression()
		switch expr.Kind {
		case unstable.Table, unstable.ArrayTable:
			table = appendKey(nil, expr.Key())
		case unstable.KeyValue:
			order = collectVarKeys(order, appendKey(table, expr.Key()), expr.Value())
		}
	}
	if err := p.Error(); err != nil {
		return nil, err
	}
	return order, nil
}

func collectVarKeys(order []string, path []string, value *unstable.Node) []string {
	if len(path) > len(buildVarsKey) {
		if len(path) == len(buildVarsKey)+1 && slices.Equal(path[:len(buildVarsKey)], buildVarsKey) {
			order = append(order, path[len(buildVarsKey)])
		}
		return order
	}
	if value.Kind != unstable.InlineTable || !slices.Equal(path, buildVarsKey[:len(path)]) {
		return order
	}
	for children := value.Children(); children.Next(); {
		kv := children.Node()
		order = collectVarKeys(order, appendKey(path, kv.Key()), kv.Value())
	}
	return order
}

func appendKey(dst []string, key unstable.Iterator) []string {
	dst = slices.Clip(dst)
	for key.Next() {
		dst = append(dst, string(key.Node().Data))
	}
	return dst
}
