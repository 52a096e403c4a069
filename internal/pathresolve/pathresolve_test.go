package pathresolve

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestResolveExtraPathWins(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "libfoo.so"))

	got, ok := Resolve("libfoo.so", Options{ExtraPaths: []string{dir}})
	if !ok || got != filepath.Join(dir, "libfoo.so") {
		t.Fatalf("Resolve = (%q, %v), want (%q, true)", got, ok, filepath.Join(dir, "libfoo.so"))
	}
}

func TestResolveRequesterDir(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "libbar.so"))

	got, ok := Resolve("libbar.so", Options{RequesterDir: dir})
	if !ok || got != filepath.Join(dir, "libbar.so") {
		t.Fatalf("Resolve = (%q, %v)", got, ok)
	}
}

func TestResolveOrderExtraBeforeRequester(t *testing.T) {
	extraDir := t.TempDir()
	reqDir := t.TempDir()
	touch(t, filepath.Join(extraDir, "libx.so"))
	touch(t, filepath.Join(reqDir, "libx.so"))

	got, ok := Resolve("libx.so", Options{ExtraPaths: []string{extraDir}, RequesterDir: reqDir})
	if !ok || got != filepath.Join(extraDir, "libx.so") {
		t.Fatalf("Resolve should prefer extra path, got %q", got)
	}
}

func TestResolveSubdirectoryFallback(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "arm64", "libsub.so"))

	got, ok := Resolve("libsub.so", Options{ExtraPaths: []string{dir}})
	if !ok || got != filepath.Join(dir, "arm64", "libsub.so") {
		t.Fatalf("Resolve subdirectory fallback = (%q, %v)", got, ok)
	}
}

func TestResolveLDLibraryPathWithOriginToken(t *testing.T) {
	reqDir := t.TempDir()
	libDir := filepath.Join(reqDir, "..", "lib")
	touch(t, filepath.Join(libDir, "liborigin.so"))

	env := map[string]string{"LD_LIBRARY_PATH": "$ORIGIN/../lib"}
	got, ok := Resolve("liborigin.so", Options{
		RequesterDir: reqDir,
		Getenv:       func(k string) string { return env[k] },
	})
	if !ok {
		t.Fatalf("Resolve with $ORIGIN token failed")
	}
	if filepath.Base(got) != "liborigin.so" {
		t.Fatalf("Resolve returned %q", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, ok := Resolve("libmissing.so", Options{ExtraPaths: []string{dir}}); ok {
		t.Fatalf("Resolve should fail for a nonexistent file")
	}
}

func TestResolveColonAndSemicolonSeparators(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	touch(t, filepath.Join(b, "libsep.so"))

	env := map[string]string{"LD_LIBRARY_PATH": a + ":" + b}
	got, ok := Resolve("libsep.so", Options{Getenv: func(k string) string { return env[k] }})
	if !ok || got != filepath.Join(b, "libsep.so") {
		t.Fatalf("Resolve colon-separated path = (%q, %v)", got, ok)
	}

	env2 := map[string]string{"LD_LIBRARY_PATH": a + ";" + b}
	got2, ok2 := Resolve("libsep.so", Options{Getenv: func(k string) string { return env2[k] }})
	if !ok2 || got2 != filepath.Join(b, "libsep.so") {
		t.Fatalf("Resolve semicolon-separated path = (%q, %v)", got2, ok2)
	}
}
