package dlstub

import (
	"errors"
	"testing"
	"unsafe"
)

func withActive(t *testing.T, s *Stub) {
	t.Helper()
	prev := currentStub()
	Activate(s)
	t.Cleanup(func() { Activate(prev) })
}

func TestCStringAt(t *testing.T) {
	b := append([]byte("hello.so"), 0)
	got := cStringAt(uintptr(unsafe.Pointer(&b[0])))
	if got != "hello.so" {
		t.Errorf("cStringAt = %q, want %q", got, "hello.so")
	}
}

func TestCStringAtEmptyPointer(t *testing.T) {
	if got := cStringAt(0); got != "" {
		t.Errorf("cStringAt(0) = %q, want empty", got)
	}
}

func TestDlopenDispatchSuccess(t *testing.T) {
	var gotPath string
	var gotFlags int32
	s := New(func(path string, flags int32) (uintptr, error) {
		gotPath, gotFlags = path, flags
		return 0xF00D, nil
	}, nil, nil)
	withActive(t, s)

	b := append([]byte("libfoo.so"), 0)
	addr := dlopenDispatchABI0(uintptr(unsafe.Pointer(&b[0])), 2)

	if addr != 0xF00D {
		t.Errorf("handle = %#x, want 0xf00d", addr)
	}
	if gotPath != "libfoo.so" || gotFlags != 2 {
		t.Errorf("callback saw (%q, %d), want (\"libfoo.so\", 2)", gotPath, gotFlags)
	}
}

func TestDlopenDispatchFailureSetsError(t *testing.T) {
	s := New(func(path string, flags int32) (uintptr, error) {
		return 0, errors.New("not found")
	}, nil, nil)
	withActive(t, s)

	b := append([]byte("missing.so"), 0)
	addr := dlopenDispatchABI0(uintptr(unsafe.Pointer(&b[0])), 0)

	if addr != 0 {
		t.Errorf("handle = %#x, want 0 on failure", addr)
	}
	if s.Dlerror() == "" {
		t.Errorf("expected dlerror to be set after a failed dlopen")
	}
}

func TestDlsymDispatch(t *testing.T) {
	s := New(nil, func(handle uintptr, symbol string) (uintptr, bool) {
		if handle == 0x1234 && symbol == "foo" {
			return 0xBEEF, true
		}
		return 0, false
	}, nil)
	withActive(t, s)

	b := append([]byte("foo"), 0)
	addr := dlsymDispatchABI0(0x1234, uintptr(unsafe.Pointer(&b[0])))
	if addr != 0xBEEF {
		t.Errorf("addr = %#x, want 0xbeef", addr)
	}
}

func TestDlsymDispatchNotFound(t *testing.T) {
	s := New(nil, func(handle uintptr, symbol string) (uintptr, bool) { return 0, false }, nil)
	withActive(t, s)

	b := append([]byte("missing"), 0)
	addr := dlsymDispatchABI0(1, uintptr(unsafe.Pointer(&b[0])))
	if addr != 0 {
		t.Errorf("addr = %#x, want 0", addr)
	}
	if s.Dlerror() == "" {
		t.Errorf("expected dlerror to be set when symbol is not found")
	}
}

func TestDlcloseDispatch(t *testing.T) {
	var closed uintptr
	s := New(nil, nil, func(handle uintptr) error {
		closed = handle
		return nil
	})
	withActive(t, s)

	if rc := dlcloseDispatchABI0(0x99); rc != 0 {
		t.Errorf("dlclose rc = %d, want 0", rc)
	}
	if closed != 0x99 {
		t.Errorf("onDlclose saw handle %#x, want 0x99", closed)
	}
}

func TestDlerrorDispatchClearsAfterRead(t *testing.T) {
	s := New(func(path string, flags int32) (uintptr, error) {
		return 0, errors.New("boom")
	}, nil, nil)
	withActive(t, s)

	b := append([]byte("x.so"), 0)
	dlopenDispatchABI0(uintptr(unsafe.Pointer(&b[0])), 0)

	ptr := dlerrorDispatchABI0()
	if ptr == 0 {
		t.Fatalf("expected a non-null error string pointer")
	}
	if got := cStringAt(ptr); got == "" {
		t.Errorf("error string at returned pointer is empty")
	}

	if ptr2 := dlerrorDispatchABI0(); ptr2 != 0 {
		t.Errorf("second dlerror call should return NULL once cleared")
	}
}

func TestNilCallbacksFailClosed(t *testing.T) {
	s := New(nil, nil, nil)
	withActive(t, s)

	b := append([]byte("x"), 0)
	if addr := dlopenDispatchABI0(uintptr(unsafe.Pointer(&b[0])), 0); addr != 0 {
		t.Errorf("dlopen with nil callback should return 0, got %#x", addr)
	}
	if addr := dlsymDispatchABI0(1, uintptr(unsafe.Pointer(&b[0]))); addr != 0 {
		t.Errorf("dlsym with nil callback should return 0, got %#x", addr)
	}
	if rc := dlcloseDispatchABI0(1); rc != 1 {
		t.Errorf("dlclose with nil callback should return 1, got %d", rc)
	}
}

func TestEntryAddressesAreDistinctAndStable(t *testing.T) {
	addrs := map[string]uintptr{
		"dlopen":  DlopenAddr(),
		"dlsym":   DlsymAddr(),
		"dlclose": DlcloseAddr(),
		"dlerror": DlerrorAddr(),
	}
	seen := make(map[uintptr]string)
	for name, addr := range addrs {
		if addr == 0 {
			t.Errorf("%s address is 0", name)
		}
		if other, ok := seen[addr]; ok {
			t.Errorf("%s and %s share the same address %#x", name, other, addr)
		}
		seen[addr] = name
	}
	if DlopenAddr() != addrs["dlopen"] {
		t.Errorf("DlopenAddr is not stable across calls")
	}
}
