// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// LocationKind is the closed set of candidate location types.
type LocationKind int

const (
	// UnknownLocation is a location with an unrecognized scheme.
	UnknownLocation LocationKind = iota
	// LocalFile is a file on the local filesystem.
	LocalFile
	// RemoteURL is a network location (http, https, ftp).
	// Retrieval is not implemented.
	RemoteURL
)

// String returns a short description of the kind.
func (kind LocationKind) String() string {
	switch kind {
	case LocalFile:
		return "local file"
	case RemoteURL:
		return "remote URL"
	default:
		return "unknown"
	}
}

// Location is a parsed candidate location of a source file.
type Location struct {
	Kind LocationKind
	// Raw is the location as written in the specification.
	Raw string
	// Scheme is the lowercased URL scheme, if any.
	Scheme string
	// Path is the absolute filesystem path for a [LocalFile].
	Path string
}

// ParseLocation classifies a candidate location.
// "file:" URLs and absolute paths name local files.
// Relative paths are resolved against baseDir
// and are an error if baseDir is empty.
func ParseLocation(raw, baseDir string) (Location, error) {
	loc := Location{Raw: raw}
	if filepath.IsAbs(raw) {
		loc.Kind = LocalFile
		loc.Path = filepath.Clean(raw)
		return loc, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return loc, fmt.Errorf("parse location: %v", err)
	}
	loc.Scheme = strings.ToLower(u.Scheme)
	switch loc.Scheme {
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return loc, fmt.Errorf("parse location %s: non-local host %q", raw, u.Host)
		}
		if u.Opaque != "" || !filepath.IsAbs(filepath.FromSlash(u.Path)) {
			return loc, fmt.Errorf("parse location %s: path is not absolute", raw)
		}
		loc.Kind = LocalFile
		loc.Path = filepath.Clean(filepath.FromSlash(u.Path))
	case "http", "https", "ftp":
		loc.Kind = RemoteURL
	case "":
		if baseDir == "" {
			return loc, fmt.Errorf("parse location %s: relative path with no base directory", raw)
		}
		loc.Kind = LocalFile
		loc.Path = filepath.Join(baseDir, filepath.FromSlash(raw))
	default:
		loc.Kind = UnknownLocation
	}
	return loc, nil
}
