// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bados.dev/pkg/buildspec"
	"bados.dev/pkg/internal/fetch"
	"bados.dev/pkg/internal/testcontext"
	"bados.dev/pkg/pkgstore"
	"github.com/google/go-cmp/cmp"
)

// testBuilderVar is the environment variable that makes the test binary
// act as a build entry point.
const testBuilderVar = "BADOS_SANDBOX_TEST_BUILDER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(testBuilderVar); mode != "" {
		os.Exit(runTestBuilder(mode))
	}
	os.Exit(m.Run())
}

func runTestBuilder(mode string) int {
	switch mode {
	case "isolation":
		for _, p := range strings.Split(os.Getenv("HOST_PATHS"), ":") {
			if _, err := os.Lstat(p); err == nil {
				fmt.Fprintf(os.Stderr, "%s is visible\n", p)
				return 1
			}
			// Try to mutate the host file. This should not be possible.
			os.WriteFile(p, []byte("mutated"), 0o644)
		}
		hostname, err := os.Hostname()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		out := os.Getenv("OUT_DIR")
		lines := []string{"pid=" + fmt.Sprint(os.Getpid()), "hostname=" + hostname}
		lines = append(lines, os.Environ()...)
		if err := os.WriteFile(filepath.Join(out, "report"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "failing as requested")
		return 3
	default:
		return runPlatformTestBuilder(mode)
	}
}

func testTriplet(tb testing.TB, name string) pkgstore.Triplet {
	tb.Helper()
	d, err := pkgstore.SumReader(strings.NewReader(name))
	if err != nil {
		tb.Fatal(err)
	}
	t, err := pkgstore.MakeTriplet(name, "1.0", d)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}

func TestDeriveEnv(t *testing.T) {
	self := testTriplet(t, "self")
	dep1 := testTriplet(t, "dep1")
	dep2 := testTriplet(t, "dep2")

	tests := []struct {
		name string
		vars []buildspec.Var
		deps []pkgstore.Triplet
		want []buildspec.Var
	}{
		{
			name: "Empty",
			want: []buildspec.Var{
				{Key: "OUT_DIR", Value: "/" + string(self)},
			},
		},
		{
			name: "DependencyOrder",
			vars: []buildspec.Var{
				{Key: "CC", Value: "gcc"},
				{Key: "ARCH", Value: "x86_64"},
			},
			deps: []pkgstore.Triplet{dep1, dep2},
			want: []buildspec.Var{
				{Key: "CC", Value: "gcc"},
				{Key: "ARCH", Value: "x86_64"},
				{Key: "PATH", Value: "/" + string(dep1) + "/bin:/" + string(dep2) + "/bin"},
				{Key: "OUT_DIR", Value: "/" + string(self)},
			},
		},
		{
			name: "DeclaredPathKeepsPosition",
			vars: []buildspec.Var{
				{Key: "PATH", Value: "/tools/bin"},
				{Key: "CC", Value: "gcc"},
			},
			deps: []pkgstore.Triplet{dep1},
			want: []buildspec.Var{
				{Key: "PATH", Value: "/" + string(dep1) + "/bin:/tools/bin"},
				{Key: "CC", Value: "gcc"},
				{Key: "OUT_DIR", Value: "/" + string(self)},
			},
		},
		{
			name: "DeclaredPathWithoutDependencies",
			vars: []buildspec.Var{
				{Key: "PATH", Value: "/tools/bin"},
			},
			want: []buildspec.Var{
				{Key: "PATH", Value: "/tools/bin"},
				{Key: "OUT_DIR", Value: "/" + string(self)},
			},
		},
		{
			name: "DerivedOutDirWins",
			vars: []buildspec.Var{
				{Key: "OUT_DIR", Value: "/somewhere/else"},
				{Key: "CC", Value: "gcc"},
			},
			want: []buildspec.Var{
				{Key: "OUT_DIR", Value: "/" + string(self)},
				{Key: "CC", Value: "gcc"},
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := DeriveEnv(test.vars, test.deps, self)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("DeriveEnv(...) (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeriveEnvDoesNotModifyInput(t *testing.T) {
	vars := []buildspec.Var{{Key: "OUT_DIR", Value: "/mine"}}
	DeriveEnv(vars, nil, testTriplet(t, "self"))
	if want := (buildspec.Var{Key: "OUT_DIR", Value: "/mine"}); vars[0] != want {
		t.Errorf("vars[0] = %v; want %v", vars[0], want)
	}
}

func TestAssemble(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	srcDir := t.TempDir()
	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "hello"), []byte("hello"), 0o755); err != nil {
		t.Fatal(err)
	}
	helloHash, err := pkgstore.SumFile(filepath.Join(srcDir, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	spec := &buildspec.Spec{
		Package: buildspec.Package{Name: "hello", Version: "3.3.3"},
		Build: buildspec.Plan{
			Sources: []buildspec.SourceFile{{
				Name: "hello",
				Hash: helloHash,
				URLs: []string{"hello"},
			}},
			Vars: []buildspec.Var{{Key: "GREETING", Value: "hi"}},
			Init: "./hi.sh",
		},
	}
	triplet := testTriplet(t, "hello")

	sb, err := Assemble(ctx, spec, triplet, &Options{
		TempDir: tempDir,
		Fetcher: &fetch.Fetcher{BaseDir: srcDir},
	})
	if err != nil {
		t.Fatal("Assemble:", err)
	}
	if got, want := filepath.Dir(sb.Dir), tempDir; got != want {
		t.Errorf("filepath.Dir(sb.Dir) = %q; want %q", got, want)
	}
	if !strings.HasPrefix(filepath.Base(sb.Dir), string(triplet)+"-") {
		t.Errorf("sb.Dir = %q; want name to start with %q", sb.Dir, string(triplet)+"-")
	}
	if got, want := sb.OutputDir, filepath.Join(sb.Dir, string(triplet)); got != want {
		t.Errorf("sb.OutputDir = %q; want %q", got, want)
	}
	if info, err := os.Stat(sb.OutputDir); err != nil {
		t.Error(err)
	} else if !info.IsDir() {
		t.Errorf("%s is not a directory", sb.OutputDir)
	}
	if got, err := os.ReadFile(filepath.Join(sb.Dir, "hello")); err != nil {
		t.Error(err)
	} else if string(got) != "hello" {
		t.Errorf("source content = %q; want %q", got, "hello")
	}
	wantEnv := []buildspec.Var{
		{Key: "GREETING", Value: "hi"},
		{Key: "OUT_DIR", Value: "/" + string(triplet)},
	}
	if diff := cmp.Diff(wantEnv, sb.Env); diff != "" {
		t.Errorf("sb.Env (-want +got):\n%s", diff)
	}

	// A second sandbox for the same triplet must not collide.
	sb2, err := Assemble(ctx, spec, triplet, &Options{
		TempDir: tempDir,
		Fetcher: &fetch.Fetcher{BaseDir: srcDir},
	})
	if err != nil {
		t.Error("Assemble #2:", err)
	} else {
		if sb2.Dir == sb.Dir {
			t.Errorf("both sandboxes use %s", sb.Dir)
		}
		if err := sb2.Close(ctx); err != nil {
			t.Error("Close #2:", err)
		}
	}

	if err := sb.Close(ctx); err != nil {
		t.Fatal("Close:", err)
	}
	if _, err := os.Lstat(sb.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("after Close, os.Lstat(%q) = _, %v; want not exist", sb.Dir, err)
	}
	if err := sb.Close(ctx); err != nil {
		t.Error("second Close:", err)
	}
}

func TestAssembleCleansUpOnFailure(t *testing.T) {
	t.Run("MissingSource", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		tempDir := t.TempDir()
		spec := &buildspec.Spec{
			Package: buildspec.Package{Name: "hello", Version: "3.3.3"},
			Build: buildspec.Plan{
				Sources: []buildspec.SourceFile{{
					Name: "hello",
					URLs: []string{filepath.Join(t.TempDir(), "does-not-exist")},
				}},
				Init: "./hi.sh",
			},
		}
		_, err := Assemble(ctx, spec, testTriplet(t, "hello"), &Options{TempDir: tempDir})
		if !errors.Is(err, fetch.ErrSourceUnavailable) {
			t.Errorf("Assemble(...) = _, %v; want %v", err, fetch.ErrSourceUnavailable)
		}
		assertEmptyDir(t, tempDir)
	})

	t.Run("MissingDependency", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		storeDir := pkgstore.Directory(t.TempDir())
		if err := storeDir.Init(); err != nil {
			t.Fatal(err)
		}
		tempDir := t.TempDir()
		spec := &buildspec.Spec{
			Package: buildspec.Package{Name: "hello", Version: "3.3.3"},
			Build: buildspec.Plan{
				Dependencies: []buildspec.Dependency{{Name: "gcc", Version: "14.2.0"}},
				Init:         "./hi.sh",
			},
		}
		_, err := Assemble(ctx, spec, testTriplet(t, "hello"), &Options{
			Store:   storeDir,
			TempDir: tempDir,
		})
		var mountErr *MountError
		if !errors.As(err, &mountErr) {
			t.Errorf("Assemble(...) = _, %v; want *MountError", err)
		} else if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Assemble(...) = _, %v; want to wrap %v", err, os.ErrNotExist)
		}
		assertEmptyDir(t, tempDir)
	})
}

func assertEmptyDir(tb testing.TB, dir string) {
	tb.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		tb.Fatal(err)
	}
	for _, ent := range entries {
		tb.Errorf("%s left behind in %s", ent.Name(), dir)
	}
}

// newTestBuilderSpec returns a specification whose entry point
// is this test binary.
// It skips the test if the binary cannot run inside a sandbox.
func newTestBuilderSpec(tb testing.TB, mode string, vars ...buildspec.Var) *buildspec.Spec {
	tb.Helper()
	exe, err := os.Executable()
	if err != nil {
		tb.Skip("Cannot locate test binary:", err)
	}
	if f, err := elf.Open(exe); err != nil {
		tb.Skip("Test binary is not ELF:", err)
	} else {
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_INTERP {
				f.Close()
				tb.Skip("Test binary is dynamically linked and cannot run in an empty chroot")
			}
		}
		f.Close()
	}
	ctx, cancel := testcontext.New(tb)
	defer cancel()
	if err := Probe(ctx, UserNamespaceAuto); err != nil {
		tb.Skip("Sandbox not supported:", err)
	}
	exeHash, err := pkgstore.SumFile(exe)
	if err != nil {
		tb.Fatal(err)
	}
	return &buildspec.Spec{
		Package: buildspec.Package{Name: "test-builder", Version: "1"},
		Build: buildspec.Plan{
			Sources: []buildspec.SourceFile{{
				Name: "builder",
				Hash: exeHash,
				URLs: []string{exe},
			}},
			Vars: append([]buildspec.Var{{Key: testBuilderVar, Value: mode}}, vars...),
			Init: "builder",
		},
	}
}

func TestRunIsolation(t *testing.T) {
	hostDir := t.TempDir()
	marker := filepath.Join(hostDir, "marker")
	if err := os.WriteFile(marker, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec := newTestBuilderSpec(t, "isolation", buildspec.Var{
		Key:   "HOST_PATHS",
		Value: marker + ":" + hostDir,
	})
	ctx, cancel := testcontext.New(t)
	defer cancel()
	triplet := testTriplet(t, "isolation")
	sb, err := Assemble(ctx, spec, triplet, &Options{TempDir: t.TempDir()})
	if err != nil {
		t.Fatal("Assemble:", err)
	}
	defer func() {
		if err := sb.Close(ctx); err != nil {
			t.Error("Close:", err)
		}
	}()

	stderr := new(strings.Builder)
	if err := sb.Run(ctx, spec.Build.Init, spec.Build.Args, &RunOptions{Stderr: stderr}); err != nil {
		t.Fatalf("Run: %v\nstderr:\n%s", err, stderr)
	}

	report, err := os.ReadFile(filepath.Join(sb.OutputDir, "report"))
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Split(string(report), "\n")
	hostname, _ := os.Hostname()
	want := []string{
		"pid=1",
		"hostname=" + hostname,
		testBuilderVar + "=isolation",
		"HOST_PATHS=" + marker + ":" + hostDir,
		"OUT_DIR=/" + string(triplet),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("build process report (-want +got):\n%s", diff)
	}
	if content, err := os.ReadFile(marker); err != nil {
		t.Error(err)
	} else if string(content) != "original" {
		t.Errorf("host marker content = %q; want %q", content, "original")
	}
}

func TestRunFailure(t *testing.T) {
	spec := newTestBuilderSpec(t, "fail")
	ctx, cancel := testcontext.New(t)
	defer cancel()
	sb, err := Assemble(ctx, spec, testTriplet(t, "fail"), &Options{TempDir: t.TempDir()})
	if err != nil {
		t.Fatal("Assemble:", err)
	}
	defer func() {
		if err := sb.Close(ctx); err != nil {
			t.Error("Close:", err)
		}
	}()

	err = sb.Run(ctx, spec.Build.Init, nil, nil)
	var buildErr *BuildFailedError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Run(...) = %v; want *BuildFailedError", err)
	}
}

func TestSandboxPath(t *testing.T) {
	tests := []struct {
		init string
		want string
	}{
		{"./hi.sh", "/hi.sh"},
		{"hi.sh", "/hi.sh"},
		{"/bin/sh", "/bin/sh"},
		{"gcc/bin/../bin/gcc", "/gcc/bin/gcc"},
	}
	for _, test := range tests {
		if got := sandboxPath(test.init); got != test.want {
			t.Errorf("sandboxPath(%q) = %q; want %q", test.init, got, test.want)
		}
	}
}
