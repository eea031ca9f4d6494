// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package pkgbuild

import (
	"archive/tar"
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/fetch"
	"bados.dev/pkg/internal/sandbox"
	"bados.dev/pkg/internal/storeindex"
	"bados.dev/pkg/internal/testcontext"
	"bados.dev/pkg/pkgstore"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
)

// testBuilderVar is the build variable that makes the test binary
// act as a build entry point.
const testBuilderVar = "BADOS_PKGBUILD_TEST_BUILDER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(testBuilderVar); mode != "" {
		os.Exit(runTestBuilder(mode))
	}
	os.Exit(m.Run())
}

func runTestBuilder(mode string) int {
	switch mode {
	case "copy":
		// Copy every regular file in the root other than ourselves to $OUT_DIR.
		self := filepath.Base(os.Args[0])
		entries, err := os.ReadDir("/")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, ent := range entries {
			if !ent.Type().IsRegular() || ent.Name() == self {
				continue
			}
			data, err := os.ReadFile("/" + ent.Name())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			if err := os.WriteFile(filepath.Join(os.Getenv("OUT_DIR"), ent.Name()), data, 0o644); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
		}
		return 0
	case "fail":
		// Leave partial output behind, then fail.
		os.WriteFile(filepath.Join(os.Getenv("OUT_DIR"), "partial"), nil, 0o644)
		fmt.Fprintln(os.Stderr, "failing as requested")
		return 3
	default:
		fmt.Fprintf(os.Stderr, "unknown test builder mode %q\n", mode)
		return 2
	}
}

func newTestStore(tb testing.TB) pkgstore.Directory {
	tb.Helper()
	dir := pkgstore.Directory(tb.TempDir())
	if err := dir.Init(); err != nil {
		tb.Fatal(err)
	}
	return dir
}

func newTestBuilder(tb testing.TB) *Builder {
	tb.Helper()
	return &Builder{
		Store:   newTestStore(tb),
		TempDir: tb.TempDir(),
		// Read-only entries cannot be removed by the test cleanup.
		ReadOnly: false,
	}
}

func digestOf(tb testing.TB, s string) pkgstore.Digest {
	tb.Helper()
	d, err := pkgstore.SumReader(strings.NewReader(s))
	if err != nil {
		tb.Fatal(err)
	}
	return d
}

func TestInstallFile(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	b.Index = storeindex.Open(filepath.Join(t.TempDir(), storeindex.FileName))
	defer b.Index.Close()
	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := b.InstallFile(ctx, src, nil)
	if err != nil {
		t.Fatal("InstallFile:", err)
	}
	wantTriplet, err := pkgstore.MakeTriplet("hello", DefaultVersion, digestOf(t, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	want := &Result{
		Triplet: wantTriplet,
		Path:    b.Store.ObjectPath(wantTriplet),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("InstallFile(...) (-want +got):\n%s", diff)
	}
	if content, err := os.ReadFile(filepath.Join(got.Path, "hello.txt")); err != nil {
		t.Error(err)
	} else if string(content) != "hello" {
		t.Errorf("installed content = %q; want %q", content, "hello")
	}

	// Installing again must fail and leave the entry alone.
	if err := os.WriteFile(filepath.Join(got.Path, "marker"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := b.InstallFile(ctx, src, nil); !errors.Is(err, pkgstore.ErrAlreadyExists) {
		t.Errorf("second InstallFile(...) = _, %v; want %v", err, pkgstore.ErrAlreadyExists)
	}
	if _, err := os.Stat(filepath.Join(got.Path, "marker")); err != nil {
		t.Errorf("entry modified by second install: %v", err)
	}

	e, err := b.Index.Lookup(ctx, wantTriplet)
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != storeindex.File || e.Source != src {
		t.Errorf("index entry = %+v; want kind %q and source %q", e, storeindex.File, src)
	}
}

func TestInstallFileOptions(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := b.InstallFile(ctx, src, &InstallOptions{Name: "greeting", Version: "1.2.3"})
	if err != nil {
		t.Fatal("InstallFile:", err)
	}
	if got.Triplet.Name() != "greeting" || got.Triplet.Version() != "1.2.3" {
		t.Errorf("triplet = %v; want greeting-1.2.3-...", got.Triplet)
	}

	if _, err := b.InstallFile(ctx, filepath.Dir(src), nil); err == nil {
		t.Error("InstallFile on a directory did not return an error")
	}
}

func TestInstallFileHyphenatedVersion(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	b.Index = storeindex.Open(filepath.Join(t.TempDir(), storeindex.FileName))
	defer b.Index.Close()
	src := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(src, []byte("tool"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := b.InstallFile(ctx, src, &InstallOptions{Version: "1.0-rc1"})
	if err != nil {
		t.Fatal("InstallFile:", err)
	}
	if want := "tool-1.0-rc1-" + digestOf(t, "tool").String(); string(got.Triplet) != want {
		t.Errorf("triplet = %v; want %s", got.Triplet, want)
	}
	e, err := b.Index.Lookup(ctx, got.Triplet)
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "tool" || e.Version != "1.0-rc1" {
		t.Errorf("index entry name, version = %q, %q; want %q, %q", e.Name, e.Version, "tool", "1.0-rc1")
	}
}

func newTestTarGz(tb testing.TB) []byte {
	tb.Helper()
	buf := new(bytes.Buffer)
	zw := gzip.NewWriter(buf)
	tw := tar.NewWriter(zw)
	for name, content := range map[string]string{"bin/hello": "#!/bin/sh\necho hello\n"} {
		err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(content)),
		})
		if err != nil {
			tb.Fatal(err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			tb.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func TestInstallArchive(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	data := newTestTarGz(t)
	src := filepath.Join(t.TempDir(), "hello-tools.tar.gz")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := b.InstallArchive(ctx, src, &InstallOptions{Version: "2.0"})
	if err != nil {
		t.Fatal("InstallArchive:", err)
	}
	wantTriplet, err := pkgstore.MakeTriplet("hello-tools", "2.0", digestOf(t, string(data)))
	if err != nil {
		t.Fatal(err)
	}
	if got.Triplet != wantTriplet {
		t.Errorf("triplet = %v; want %v", got.Triplet, wantTriplet)
	}
	if _, err := os.Stat(filepath.Join(got.Path, "bin", "hello")); err != nil {
		t.Error(err)
	}
	if _, err := b.InstallArchive(ctx, src, &InstallOptions{Version: "2.0"}); !errors.Is(err, pkgstore.ErrAlreadyExists) {
		t.Errorf("second InstallArchive(...) = _, %v; want %v", err, pkgstore.ErrAlreadyExists)
	}
}

func TestInstallArchiveReader(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	data := newTestTarGz(t)

	if _, err := b.InstallArchiveReader(ctx, bytes.NewReader(data), nil); err == nil {
		t.Error("InstallArchiveReader without a name did not return an error")
	}
	got, err := b.InstallArchiveReader(ctx, bytes.NewReader(data), &InstallOptions{Name: "tools"})
	if err != nil {
		t.Fatal("InstallArchiveReader:", err)
	}
	wantTriplet, err := pkgstore.MakeTriplet("tools", DefaultVersion, digestOf(t, string(data)))
	if err != nil {
		t.Fatal(err)
	}
	if got.Triplet != wantTriplet {
		t.Errorf("triplet = %v; want %v", got.Triplet, wantTriplet)
	}
	entries, err := os.ReadDir(b.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		t.Errorf("%s left in temporary directory", ent.Name())
	}
}

func TestStems(t *testing.T) {
	tests := []struct {
		base        string
		fileStem    string
		archiveStem string
	}{
		{"hello", "hello", "hello"},
		{"hello.txt", "hello", "hello"},
		{".bashrc", ".bashrc", ".bashrc"},
		{"gcc-14.2.0.tar.gz", "gcc-14.2.0.tar", "gcc-14.2.0"},
		{"gcc-14.2.0.TAR.XZ", "gcc-14.2.0.TAR", "gcc-14.2.0.TAR"},
		{"zstd.tar.zst", "zstd.tar", "zstd"},
		{"lz.tar.lz4", "lz.tar", "lz"},
		{"src.tgz", "src", "src"},
		{"bundle.zip", "bundle", "bundle"},
		{".tar", ".tar", ".tar"},
	}
	for _, test := range tests {
		if got := fileStem(test.base); got != test.fileStem {
			t.Errorf("fileStem(%q) = %q; want %q", test.base, got, test.fileStem)
		}
		if got := archiveStem(test.base); got != test.archiveStem {
			t.Errorf("archiveStem(%q) = %q; want %q", test.base, got, test.archiveStem)
		}
	}
}

type stageRecorder struct {
	stages []Stage
}

func (rec *stageRecorder) record(t pkgstore.Triplet, stage Stage) {
	rec.stages = append(rec.stages, stage)
}

func TestBuildSourceFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	rec := new(stageRecorder)
	b.OnStage = rec.record
	spec := &buildspec.Spec{
		Package: buildspec.Package{Name: "hello", Version: "3.3.3"},
		Build: buildspec.Plan{
			Sources: []buildspec.SourceFile{{
				Name: "hello",
				Hash: digestOf(t, "hello"),
				URLs: []string{"file://" + filepath.Join(t.TempDir(), "missing")},
			}},
			Init: "./hi.sh",
		},
	}

	_, err := b.Build(ctx, spec, nil)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("Build(...) = _, %v; want *StageError", err)
	}
	if stageErr.Stage != SandboxReady {
		t.Errorf("failed stage = %v; want %v", stageErr.Stage, SandboxReady)
	}
	if !errors.Is(err, fetch.ErrSourceUnavailable) {
		t.Errorf("Build(...) = _, %v; want to wrap %v", err, fetch.ErrSourceUnavailable)
	}
	if diff := cmp.Diff([]Stage{Parsed, Hashed, Failed}, rec.stages); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(b.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		t.Errorf("%s left in temporary directory", ent.Name())
	}
	if got, err := b.Store.Entries(); err != nil {
		t.Error(err)
	} else if len(got) > 0 {
		t.Errorf("store entries = %v; want none", got)
	}
}

func TestBuildExisting(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	spec := &buildspec.Spec{
		Package: buildspec.Package{Name: "hello", Version: "3.3.3"},
		Build:   buildspec.Plan{Init: "./hi.sh"},
	}
	triplet, err := spec.Triplet(&b.Hash)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Store.Commit(ctx, triplet, nil, func(dir string) error {
		return os.WriteFile(filepath.Join(dir, "original"), nil, 0o644)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Build(ctx, spec, nil)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != Committed || !errors.Is(err, pkgstore.ErrAlreadyExists) {
		t.Errorf("Build(...) = _, %v; want commit stage error wrapping %v", err, pkgstore.ErrAlreadyExists)
	}
	if _, err := os.Stat(filepath.Join(b.Store.ObjectPath(triplet), "original")); err != nil {
		t.Error("existing entry modified:", err)
	}
}

func TestBuildFileParseError(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	path := filepath.Join(t.TempDir(), "Build.toml")
	if err := os.WriteFile(path, []byte("[pkg_data]\nname = 'x'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := b.BuildFile(ctx, path)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != Parsed {
		t.Errorf("BuildFile(...) = _, %v; want parse stage error", err)
	}
	var parseErr *buildspec.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("BuildFile(...) = _, %v; want to wrap *buildspec.ParseError", err)
	}
}

// skipUnlessSandbox skips the test if the test binary cannot act as a builder.
func skipUnlessSandbox(tb testing.TB) string {
	tb.Helper()
	exe, err := os.Executable()
	if err != nil {
		tb.Skip("Cannot locate test binary:", err)
	}
	f, err := elf.Open(exe)
	if err != nil {
		tb.Skip("Test binary is not ELF:", err)
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			tb.Skip("Test binary is dynamically linked and cannot run in an empty chroot")
		}
	}
	ctx, cancel := testcontext.New(tb)
	defer cancel()
	if err := sandbox.Probe(ctx, sandbox.UserNamespaceAuto); err != nil {
		tb.Skip("Sandbox not supported:", err)
	}
	return exe
}

func TestBuildEndToEnd(t *testing.T) {
	exe := skipUnlessSandbox(t)
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	rec := new(stageRecorder)
	b.OnStage = rec.record
	b.Stderr = testWriter{t}

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "hello"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	exeHash, err := pkgstore.SumFile(exe)
	if err != nil {
		t.Fatal(err)
	}
	specPath := filepath.Join(srcDir, "Build.toml")
	specText := fmt.Sprintf(`[pkg_data]
name = "hello"
version = "3.3.3"

[build_data]
build_init = "./hi.sh"
src_files = [
  { name = "hello", hash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", urls = ["file://%s/hello"] },
  { name = "hi.sh", hash = "%v", urls = [%q] },
]

[build_data.build_vars]
%s = "copy"
`, srcDir, exeHash, exe, testBuilderVar)
	if err := os.WriteFile(specPath, []byte(specText), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err := buildspec.ReadFile(specPath)
	if err != nil {
		t.Fatal(err)
	}
	wantTriplet, err := spec.Triplet(nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.BuildFile(ctx, specPath)
	if err != nil {
		t.Fatal("BuildFile:", err)
	}
	if got.Triplet != wantTriplet {
		t.Errorf("triplet = %v; want %v", got.Triplet, wantTriplet)
	}
	if !strings.HasPrefix(string(got.Triplet), "hello-3.3.3-") {
		t.Errorf("triplet = %v; want hello-3.3.3-...", got.Triplet)
	}
	if content, err := os.ReadFile(filepath.Join(got.Path, "hello")); err != nil {
		t.Error(err)
	} else if string(content) != "hello" {
		t.Errorf("built content = %q; want %q", content, "hello")
	}
	wantStages := []Stage{Parsed, Hashed, SandboxReady, Executed, Committed, CleanedUp}
	if diff := cmp.Diff(wantStages, rec.stages); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}

	// Rebuilding fails at commit and leaves the entry unchanged.
	if err := os.WriteFile(filepath.Join(got.Path, "marker"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = b.BuildFile(ctx, specPath)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != Committed || !errors.Is(err, pkgstore.ErrAlreadyExists) {
		t.Errorf("second BuildFile(...) = _, %v; want commit stage error wrapping %v", err, pkgstore.ErrAlreadyExists)
	}
	if _, err := os.Stat(filepath.Join(got.Path, "marker")); err != nil {
		t.Error("existing entry modified:", err)
	}
	entries, err := os.ReadDir(b.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		t.Errorf("%s left in temporary directory", ent.Name())
	}
}

func TestBuildFailure(t *testing.T) {
	exe := skipUnlessSandbox(t)
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b := newTestBuilder(t)
	rec := new(stageRecorder)
	b.OnStage = rec.record
	b.Stderr = testWriter{t}

	exeHash, err := pkgstore.SumFile(exe)
	if err != nil {
		t.Fatal(err)
	}
	spec := &buildspec.Spec{
		Package: buildspec.Package{Name: "broken", Version: "1.0"},
		Build: buildspec.Plan{
			Sources: []buildspec.SourceFile{{
				Name: "build.sh",
				Hash: exeHash,
				URLs: []string{exe},
			}},
			Vars: []buildspec.Var{{Key: testBuilderVar, Value: "fail"}},
			Init: "./build.sh",
		},
	}

	_, err = b.Build(ctx, spec, nil)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("Build(...) = _, %v; want *StageError", err)
	}
	if stageErr.Stage != Executed {
		t.Errorf("failed stage = %v; want %v", stageErr.Stage, Executed)
	}
	var buildErr *sandbox.BuildFailedError
	if !errors.As(err, &buildErr) {
		t.Errorf("Build(...) = _, %v; want to wrap *sandbox.BuildFailedError", err)
	}
	wantStages := []Stage{Parsed, Hashed, SandboxReady, Failed, CleanedUp}
	if diff := cmp.Diff(wantStages, rec.stages); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(b.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		t.Errorf("%s left in temporary directory", ent.Name())
	}
	if got, err := b.Store.Entries(); err != nil {
		t.Error(err)
	} else if len(got) > 0 {
		t.Errorf("store entries = %v; want none", got)
	}
}

// testWriter sends writes to the test log.
type testWriter struct {
	tb testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Logf("%s", p)
	return len(p), nil
}
