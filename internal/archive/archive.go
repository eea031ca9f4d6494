// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

// Package archive extracts tar and zip archives into a directory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	slashpath "path"
	"path/filepath"
	"strings"

	"bados.dev/pkg/internal/osutil"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"zombiezen.com/go/log"
)

// Format is an archive format detected from a file's leading bytes.
type Format int

const (
	Unknown Format = iota
	Tar
	TarGzip
	TarBzip2
	TarZstd
	TarLZ4
	Zip
)

// String returns the conventional file extension of the format.
func (f Format) String() string {
	switch f {
	case Tar:
		return ".tar"
	case TarGzip:
		return ".tar.gz"
	case TarBzip2:
		return ".tar.bz2"
	case TarZstd:
		return ".tar.zst"
	case TarLZ4:
		return ".tar.lz4"
	case Zip:
		return ".zip"
	default:
		return "unknown"
	}
}

// headerSize is the number of leading bytes [Detect] needs
// to recognize every supported format.
const headerSize = 512

// Detect returns the format of an archive starting with the given bytes.
func Detect(header []byte) Format {
	switch {
	case hasGzipMagic(header):
		return TarGzip
	case hasBzip2Magic(header):
		return TarBzip2
	case hasZstdMagic(header):
		return TarZstd
	case hasLZ4Magic(header):
		return TarLZ4
	case hasZipMagic(header):
		return Zip
	case hasTarMagic(header):
		return Tar
	default:
		return Unknown
	}
}

// Extract extracts the archive in src into the existing directory dst.
// The archive's format is detected from its content.
// Extracted files are confined to dst:
// entries with absolute paths or paths that leave dst are an error.
func Extract(ctx context.Context, dst string, src io.ReaderAt, size int64) error {
	header := make([]byte, min(headerSize, size))
	if _, err := src.ReadAt(header, 0); err != nil && err != io.EOF {
		return fmt.Errorf("extract: read header: %v", err)
	}
	format := Detect(header)
	log.Debugf(ctx, "Extracting %v archive to %s", format, dst)
	stream := io.NewSectionReader(src, 0, size)

	var err error
	switch format {
	case Tar:
		err = extractTar(dst, stream)
	case TarGzip:
		var zr *gzip.Reader
		zr, err = gzip.NewReader(stream)
		if err == nil {
			err = extractTar(dst, zr)
			zr.Close()
		}
	case TarBzip2:
		var zr *bzip2.Reader
		zr, err = bzip2.NewReader(stream, nil)
		if err == nil {
			err = extractTar(dst, zr)
			zr.Close()
		}
	case TarZstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(stream)
		if err == nil {
			err = extractTar(dst, zr)
			zr.Close()
		}
	case TarLZ4:
		err = extractTar(dst, lz4.NewReader(stream))
	case Zip:
		err = extractZip(dst, src, size)
	default:
		if hasXZMagic(header) {
			return fmt.Errorf("extract: xz not supported")
		}
		return fmt.Errorf("extract: unknown format (must be .tar, .tar.gz, .tar.bz2, .tar.zst, .tar.lz4, or .zip)")
	}
	if err != nil {
		return fmt.Errorf("extract %v archive: %w", format, err)
	}
	return nil
}

// ExtractFile extracts the archive at the given path into the existing directory dst.
func ExtractFile(ctx context.Context, dst string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Debugf(ctx, "Closing archive file %s: %v", path, err)
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("extract %s: not a regular file", path)
	}
	if err := Extract(ctx, dst, f, info.Size()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func extractTar(dst string, src io.Reader) error {
	root, err := os.OpenRoot(dst)
	if err != nil {
		return err
	}
	defer root.Close()

	r := tar.NewReader(src)
	for {
		hdr, err := nextSupportedTarHeader(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		subdst, err := localize(hdr.Name)
		if err != nil {
			return err
		}
		if subdst == "." {
			continue
		}
		if dir := filepath.Dir(subdst); dir != "." {
			if err := root.MkdirAll(dir, 0o777); err != nil {
				return err
			}
		}
		mode := hdr.FileInfo().Mode()
		open := func() (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		}
		if mode.Type() == fs.ModeSymlink {
			open = func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(hdr.Linkname)), nil
			}
		}
		if err := extractFile(root, subdst, mode, open); err != nil {
			return err
		}
	}
}

func nextSupportedTarHeader(r *tar.Reader) (*tar.Header, error) {
	for {
		hdr, err := r.Next()
		if err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			// Ignore.
		case tar.TypeReg, tar.TypeRegA, tar.TypeSymlink, tar.TypeDir:
			return hdr, nil
		default:
			return hdr, fmt.Errorf("unsupported tar entry type %q", hdr.Typeflag)
		}
	}
}

func extractZip(dst string, src io.ReaderAt, srcSize int64) error {
	r, err := zip.NewReader(src, srcSize)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(dst)
	if err != nil {
		return err
	}
	defer root.Close()

	return fs.WalkDir(r, ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		subdst, err := filepath.Localize(path)
		if err != nil {
			return err
		}
		mode := entry.Type()
		if mode.IsRegular() {
			// Regular files need to check for permission bits.
			info, err := entry.Info()
			if err != nil {
				return err
			}
			mode = info.Mode()
		}
		return extractFile(root, subdst, mode, func() (io.ReadCloser, error) {
			return r.Open(path)
		})
	})
}

func extractFile(root *os.Root, dst string, mode fs.FileMode, open func() (io.ReadCloser, error)) error {
	switch mode.Type() {
	case 0:
		perm := os.FileMode(0o666)
		if mode&0o111 != 0 {
			perm |= 0o111
		}
		r, err := open()
		if err != nil {
			return err
		}
		defer r.Close()
		w, err := root.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL|osutil.O_NOFOLLOW, perm)
		if err != nil {
			return err
		}
		_, err1 := io.Copy(w, r)
		err2 := w.Close()
		if err1 != nil {
			return fmt.Errorf("write %s: %v", dst, err1)
		}
		if err2 != nil {
			return fmt.Errorf("write %s: %v", dst, err2)
		}
	case fs.ModeDir:
		err := root.Mkdir(dst, 0o777)
		if errors.Is(err, os.ErrExist) {
			// Already created as the parent of an earlier entry.
			if info, statErr := root.Lstat(dst); statErr == nil && info.IsDir() {
				return nil
			}
		}
		return err
	case fs.ModeSymlink:
		r, err := open()
		if err != nil {
			return err
		}
		sb := new(strings.Builder)
		_, err = io.Copy(sb, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("read %s: %v", dst, err)
		}
		return root.Symlink(sb.String(), dst)
	default:
		return fmt.Errorf("unsupported archive member with mode %v", mode)
	}

	return nil
}

// localize converts a slash-separated archive member name
// into a relative local path.
func localize(name string) (string, error) {
	if slashpath.IsAbs(name) {
		return "", fmt.Errorf("invalid file name %s", name)
	}
	subdst, err := filepath.Localize(slashpath.Clean(name))
	if err != nil {
		return "", fmt.Errorf("invalid file name %s", name)
	}
	return subdst, nil
}

func hasBzip2Magic(header []byte) bool {
	return len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h'
}

func hasZipMagic(header []byte) bool {
	return len(header) >= 4 &&
		header[0] == 'P' &&
		header[1] == 'K' &&
		(header[2] == 0x03 && header[3] == 0x04 ||
			header[2] == 0x05 && header[3] == 0x06 ||
			header[2] == 0x07 && header[3] == 0x08)
}

func hasGzipMagic(header []byte) bool {
	return len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b
}

func hasZstdMagic(header []byte) bool {
	return len(header) >= 4 &&
		header[0] == 0x28 &&
		header[1] == 0xb5 &&
		header[2] == 0x2f &&
		header[3] == 0xfd
}

func hasLZ4Magic(header []byte) bool {
	return len(header) >= 4 &&
		header[0] == 0x04 &&
		header[1] == 0x22 &&
		header[2] == 0x4d &&
		header[3] == 0x18
}

func hasXZMagic(header []byte) bool {
	return len(header) >= 6 &&
		header[0] == 0xfd &&
		header[1] == '7' &&
		header[2] == 'z' &&
		header[3] == 'X' &&
		header[4] == 'Z' &&
		header[5] == 0
}

// tarMagicOffset is the offset of the magic field in a POSIX tar header.
const tarMagicOffset = 257

func hasTarMagic(header []byte) bool {
	if len(header) < tarMagicOffset+8 {
		return false
	}
	magic := header[tarMagicOffset:]
	return magic[0] == 'u' &&
		magic[1] == 's' &&
		magic[2] == 't' &&
		magic[3] == 'a' &&
		magic[4] == 'r' &&
		(magic[5] == 0 && magic[6] == '0' && magic[7] == '0' ||
			magic[5] == ' ' && magic[6] == ' ' && magic[7] == 0)
}
