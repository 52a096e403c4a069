// Package dlstub provides native dlopen/dlsym/dlclose/dlerror entry
// points that a loaded image's relocations can be pointed at directly,
// for objects that import the dl API as an undefined symbol rather
// than linking against a real libdl. Each entry point is a tiny
// architecture-specific shim (trampoline_amd64.s, trampoline_arm64.s)
// that forwards its C-ABI arguments into Go and returns the result,
// the same bridging technique internal/plt uses for lazy PLT binding.
package dlstub

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// maxCStringLen bounds the scan internal/dlstub performs when reading
// a NUL-terminated string out of caller-supplied memory, guarding
// against a missing terminator.
const maxCStringLen = 4096

// OnDlopen is called for a dlopen(filename, flags) request. It should
// return a stable, non-zero handle on success.
type OnDlopen func(path string, flags int32) (handle uintptr, err error)

// OnDlsym resolves symbol against handle (0 meaning the default/global
// scope).
type OnDlsym func(handle uintptr, symbol string) (addr uintptr, ok bool)

// OnDlclose releases handle.
type OnDlclose func(handle uintptr) error

// Stub owns the last-error state backing the dl entry points and
// dispatches to caller-supplied callbacks; handles are issued and
// tracked by those callbacks, not by Stub.
type Stub struct {
	mu      sync.Mutex
	lastErr string

	onDlopen  OnDlopen
	onDlsym   OnDlsym
	onDlclose OnDlclose
}

// New builds a Stub. Any callback left nil causes the corresponding
// entry point to fail (dlopen/dlsym returning NULL, dlclose returning
// an error recorded in dlerror).
func New(onDlopen OnDlopen, onDlsym OnDlsym, onDlclose OnDlclose) *Stub {
	return &Stub{onDlopen: onDlopen, onDlsym: onDlsym, onDlclose: onDlclose}
}

// Activate makes s the target of the package's dl entry points. Only
// one Stub is active at a time; a later call replaces the former one.
// This mirrors there being exactly one dynamic linker per process.
func Activate(s *Stub) {
	activeMu.Lock()
	defer activeMu.Unlock()
	active = s
}

var (
	activeMu sync.Mutex
	active   *Stub
)

func currentStub() *Stub {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}

func (s *Stub) setError(format string, args ...any) {
	s.mu.Lock()
	s.lastErr = fmt.Sprintf(format, args...)
	s.mu.Unlock()
}

// Dlerror returns and clears the stub's last-error string, the Go-side
// equivalent of libc's dlerror(). An empty string means no error is
// pending.
func (s *Stub) Dlerror() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastErr
	s.lastErr = ""
	return err
}

// DlopenAddr, DlsymAddr, DlcloseAddr and DlerrorAddr return the process
// addresses of the dl entry points, suitable for writing directly into
// a GLOB_DAT or JMP_SLOT relocation target for the symbols
// "dlopen"/"dlsym"/"dlclose"/"dlerror".
func DlopenAddr() uintptr  { return entryAddr(dlopenEntry) }
func DlsymAddr() uintptr   { return entryAddr(dlsymEntry) }
func DlcloseAddr() uintptr { return entryAddr(dlcloseEntry) }
func DlerrorAddr() uintptr { return entryAddr(dlerrorEntry) }

func entryAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// cStringAt reads a NUL-terminated string out of this process's own
// memory starting at addr. Used for the path/symbol-name arguments the
// C caller passes by pointer.
func cStringAt(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	for n := 0; n < maxCStringLen; n++ {
		b := *(*byte)(unsafe.Pointer(addr + uintptr(n)))
		if b == 0 {
			return string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
		}
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), maxCStringLen))
}

// dlopenDispatchABI0 is called from the architecture-specific dlopen
// entry shim. All arguments and the return value are passed as raw
// machine words so the shim never needs type-specific marshaling.
//
//go:nosplit
func dlopenDispatchABI0(pathPtr, flags uintptr) uintptr {
	s := currentStub()
	if s == nil || s.onDlopen == nil {
		return 0
	}
	path := cStringAt(pathPtr)
	h, err := s.onDlopen(path, int32(flags))
	if err != nil {
		s.setError("dlopen %q: %v", path, err)
		return 0
	}
	return h
}

//go:nosplit
func dlsymDispatchABI0(handle, namePtr uintptr) uintptr {
	s := currentStub()
	if s == nil || s.onDlsym == nil {
		return 0
	}
	name := cStringAt(namePtr)
	addr, ok := s.onDlsym(handle, name)
	if !ok {
		s.setError("dlsym %q: symbol not found", name)
		return 0
	}
	return addr
}

//go:nosplit
func dlcloseDispatchABI0(handle uintptr) uintptr {
	s := currentStub()
	if s == nil {
		return 1
	}
	if s.onDlclose == nil {
		s.setError("dlclose: no handler installed")
		return 1
	}
	if err := s.onDlclose(handle); err != nil {
		s.setError("dlclose: %v", err)
		return 1
	}
	return 0
}

//go:nosplit
func dlerrorDispatchABI0() uintptr {
	s := currentStub()
	if s == nil {
		return 0
	}
	msg := s.Dlerror()
	if msg == "" {
		return 0
	}
	buf := append([]byte(msg), 0)
	return uintptr(unsafe.Pointer(&buf[0]))
}

// dlopenEntry, dlsymEntry, dlcloseEntry and dlerrorEntry are the
// architecture-specific entry shims declared in trampoline_amd64.s /
// trampoline_arm64.s. They are never called directly from Go; only
// their addresses (via entryAddr) are used.
func dlopenEntry()
func dlsymEntry()
func dlcloseEntry()
func dlerrorEntry()
