//go:build galago_lazyplt

// Package plt implements the optional lazy-binding PLT trampoline.
// It is gated behind the galago_lazyplt build tag: a normal build
// applies .rel{,a}.plt eagerly (internal/reloc) and never emits
// executable code; a galago_lazyplt build installs this trampoline
// instead and resolves each imported function only on its first call.
package plt

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/zboralski/galago-ld/internal/elfreader"
)

// Marker and failure sentinels written into reserved GOT.plt slots.
const (
	SlotMarker     = 0xCAFEBABE
	ResolveFailure = 0xBADBABE
)

// Resolver resolves the relocation at relocIndex in .rel.plt/.rela.plt
// exactly as the eager engine would, writes the result back into the
// GOT slot, and returns the resolved address. Implemented by the root
// loader package.
type Resolver interface {
	ResolvePLT(relocIndex uint32) (addr uint64, ok bool)
}

// resolverHandle is the heap-pinned record the trampoline's Loader
// word points at; it exists only so a raw unsafe.Pointer can carry a
// Go interface value across the asm boundary.
type resolverHandle struct {
	resolver Resolver
}

// Data is the PLT trampoline data record: a pointer back to the
// owning loader (here, an opaque *resolverHandle), a pointer to the
// resolver callback's entry point, and (aarch64 only) the process
// address of .got.plt, needed there to turn a GOT slot address back
// into a relocation index. The amd64 trampoline reads Loader at
// offset 0; the arm64 resolver reads Loader and GotPltBase from the
// record it is handed. Callback records the resolver's entry point;
// neither trampoline reads it, as each calls its resolver directly.
type Data struct {
	Loader     unsafe.Pointer
	Callback   uintptr
	GotPltBase uintptr
}

// NewData builds a pinned PLT data record for r. The returned *Data
// must remain reachable (kept alive by the owning loader) for as
// long as the installed trampoline can be invoked.
func NewData(r Resolver) *Data {
	h := &resolverHandle{resolver: r}
	return &Data{
		Loader:   unsafe.Pointer(h),
		Callback: callbackEntry(),
	}
}

// callbackEntry returns the stable code address of the Go function the
// trampoline calls into: pltResolveABI0 on amd64, where the calling
// PLT stub pushes the relocation index directly; pltResolveAArch64ABI0
// on arm64, where it instead hands back the GOT slot address.
// reflect.ValueOf on a non-closure top-level function yields its entry
// PC.
func callbackEntry() uintptr {
	if runtime.GOARCH == "arm64" {
		return reflect.ValueOf(pltResolveAArch64ABI0).Pointer()
	}
	return reflect.ValueOf(pltResolveABI0).Pointer()
}

// pltResolveABI0 is called from the amd64 trampoline with the
// Data.Loader word and the relocation index pushed by the guest's own
// PLT stub. It is declared nosplit because it runs on a borrowed,
// non-Go-managed stack frame set up by the trampoline.
//
//go:nosplit
func pltResolveABI0(loader unsafe.Pointer, relocIndex uint64) uintptr {
	h := (*resolverHandle)(loader)
	addr, ok := h.resolver.ResolvePLT(uint32(relocIndex))
	if !ok {
		return ResolveFailure
	}
	return uintptr(addr)
}

// pltResolveAArch64ABI0 is called from the arm64 trampoline with the
// *Data pointer (so it can read GotPltBase) and the address of the GOT
// slot the calling PLT stub branched through. The relocation index is
// derived from that slot address rather than pushed by the caller, per
// the aarch64 PLT calling convention.
//
//go:nosplit
func pltResolveAArch64ABI0(data *Data, gotSlotAddr uintptr) uintptr {
	h := (*resolverHandle)(data.Loader)
	relocIndex := uint32((gotSlotAddr - data.GotPltBase - 8) / 8)
	addr, ok := h.resolver.ResolvePLT(relocIndex)
	if !ok {
		return ResolveFailure
	}
	return uintptr(addr)
}

// trampolineAddr returns the process address of the architecture's
// landing routine, declared in trampoline_amd64.s / trampoline_arm64.s.
func trampolineAddr() uintptr

// GOTImage is the minimal surface Install needs from internal/image.
type GOTImage interface {
	Addr(fileVA uint64) uintptr
	At(fileVA uint64, n int) ([]byte, error)
}

// Install rewrites .got.plt: slot 0 to the sentinel marker, slot 1 to
// data's address, slot 2 to the trampoline address, and rebases
// slots [3:numSlots) from file-relative stub addresses to process
// addresses.
func Install(im GOTImage, machine elf.Machine, gotPltVA uint64, numSlots int, data *Data) error {
	if numSlots < 3 {
		return fmt.Errorf("plt: .got.plt has only %d slots, need at least 3", numSlots)
	}
	switch machine {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		return fmt.Errorf("plt: unsupported machine %v", machine)
	}

	data.GotPltBase = im.Addr(gotPltVA)

	slot0, err := im.At(gotPltVA, 8)
	if err != nil {
		return fmt.Errorf("plt: slot 0: %w", err)
	}
	binary.LittleEndian.PutUint64(slot0, SlotMarker)

	slot1, err := im.At(gotPltVA+8, 8)
	if err != nil {
		return fmt.Errorf("plt: slot 1: %w", err)
	}
	binary.LittleEndian.PutUint64(slot1, uint64(uintptr(unsafe.Pointer(data))))

	slot2, err := im.At(gotPltVA+16, 8)
	if err != nil {
		return fmt.Errorf("plt: slot 2: %w", err)
	}
	binary.LittleEndian.PutUint64(slot2, uint64(trampolineAddr()))

	for i := 3; i < numSlots; i++ {
		off := gotPltVA + uint64(i)*8
		slot, err := im.At(off, 8)
		if err != nil {
			return fmt.Errorf("plt: slot %d: %w", i, err)
		}
		fileRelative := binary.LittleEndian.Uint64(slot)
		rebased := uint64(im.Addr(fileRelative)) // image_base + v - base_virtual_address
		binary.LittleEndian.PutUint64(slot, rebased)
	}
	return nil
}

// RelocEntryAt locates entry relocIndex within a concatenated view of
// .rel.plt/.rela.plt, a convenience used by Resolver implementations.
func RelocEntryAt(entries []elfreader.RelocEntry, relocIndex uint32) (elfreader.RelocEntry, bool) {
	if int(relocIndex) >= len(entries) {
		return elfreader.RelocEntry{}, false
	}
	return entries[relocIndex], true
}
