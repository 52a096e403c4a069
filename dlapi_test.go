package loader

import "testing"

func TestInstallDlAPIOverridesSymbolTable(t *testing.T) {
	dir := t.TempDir()
	path := buildSO(t, dir, "lib.so", nil, nil, nil)
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.InstallDlAPI()

	for _, name := range []string{"dlopen", "dlsym", "dlclose", "dlerror"} {
		addr, _, ok := l.GetSymbol(name)
		if !ok || addr == 0 {
			t.Fatalf("GetSymbol(%s) = %#x, %v; want a non-zero override", name, addr, ok)
		}
	}
}

func TestDlAPIOpenSymCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buildSO(t, dir, "libdep.so", nil, []soExport{{name: "greet", value: 8}}, nil)
	rootPath := buildSO(t, dir, "libroot.so", nil, nil, nil)

	root, err := New(rootPath, WithExtraSearchPaths(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer root.Close()

	api := newDlAPI(root)
	handle, err := api.onDlopen(dir+"/libdep.so", 0)
	if err != nil {
		t.Fatalf("onDlopen: %v", err)
	}
	if handle == 0 {
		t.Fatalf("onDlopen returned zero handle")
	}

	addr, ok := api.onDlsym(handle, "greet")
	if !ok || addr == 0 {
		t.Fatalf("onDlsym(greet) = %#x, %v; want a non-zero address", addr, ok)
	}

	if _, ok := api.onDlsym(handle, "missing"); ok {
		t.Fatalf("onDlsym(missing) unexpectedly succeeded")
	}

	if err := api.onDlclose(handle); err != nil {
		t.Fatalf("onDlclose: %v", err)
	}
	if err := api.onDlclose(handle); err == nil {
		t.Fatalf("onDlclose of an already-closed handle should fail")
	}
}
