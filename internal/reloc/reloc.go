// Package reloc applies ELF relocation entries against a mapped
// image, with architecture-specific semantics for x86_64 and
// aarch64. It resolves the symbol for each entry through a Symbols
// implementation supplied by the caller (the root loader package),
// which knows how to apply overrides and fall through to a
// dependency's global search.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zboralski/galago-ld/internal/elfreader"
)

// Symbols resolves the symbol named by a relocation's Sym index to
// an already-translated process address.
type Symbols interface {
	// Local resolves idx against the object's own symbol table and
	// override map. ok=true means addr is final. ok=false with a
	// non-empty name means the caller should retry with Global.
	Local(idx uint32) (addr uint64, name string, ok bool)
	// Global searches the object's dependencies, depth-first, for
	// name.
	Global(name string) (addr uint64, ok bool)
}

// Debug, when true, makes Apply panic on an unimplemented relocation
// type instead of silently skipping it, to surface omissions during
// development. It is a package var so a debug build can flip it
// without threading a parameter through every call.
var Debug = false

var debugMu sync.Mutex

// SetDebug toggles Debug for the duration of one caller-owned section
// (typically a single Apply call) and returns a func restoring the
// prior value, so a per-Loader debug option can flip a package-level
// toggle without two Loaders' Apply calls racing each other.
func SetDebug(enabled bool) (restore func()) {
	debugMu.Lock()
	prev := Debug
	Debug = enabled
	return func() {
		Debug = prev
		debugMu.Unlock()
	}
}

// Image is the minimal surface Apply needs from internal/image: a
// process address for a file virtual address, and raw read/write
// access to image bytes.
type Image interface {
	Base() uintptr
	Addr(fileVA uint64) uintptr
	At(fileVA uint64, n int) ([]byte, error)
}

// Apply performs every entry in entries against im, for the given
// machine. Entries that need a symbol and cannot resolve one (locally
// or globally) are skipped, not treated as a load failure.
func Apply(im Image, entries []elfreader.RelocEntry, machine elf.Machine, symbols Symbols, log func(relType uint32, symName, reason string)) error {
	switch machine {
	case elf.EM_X86_64:
		return applyX8664(im, entries, symbols, log)
	case elf.EM_AARCH64:
		return applyAArch64(im, entries, symbols, log)
	default:
		return fmt.Errorf("reloc: unsupported machine %v", machine)
	}
}

func resolveSymbol(symbols Symbols, idx uint32) (uint64, string, bool) {
	addr, name, ok := symbols.Local(idx)
	if ok {
		return addr, name, true
	}
	if name == "" {
		return 0, "", false
	}
	addr, ok = symbols.Global(name)
	return addr, name, ok
}

func writeU32(im Image, fileVA uint64, v uint32) error {
	b, err := im.At(fileVA, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func writeU64(im Image, fileVA uint64, v uint64) error {
	b, err := im.At(fileVA, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func applyX8664(im Image, entries []elfreader.RelocEntry, symbols Symbols, log func(uint32, string, string)) error {
	for _, e := range entries {
		target := uint64(im.Addr(e.Offset))

		switch elf.R_X86_64(e.Type) {
		case elf.R_X86_64_NONE, elf.R_X86_64_COPY:
			// no-op
		case elf.R_X86_64_64:
			s, name, ok := resolveSymbol(symbols, e.Sym)
			if !ok {
				logSkip(log, e.Type, name, annotateReason(im, e.Offset, elf.EM_X86_64, "unresolved symbol"))
				continue
			}
			if err := writeU64(im, e.Offset, s+uint64(e.Addend)); err != nil {
				return err
			}
		case elf.R_X86_64_PC32:
			s, name, ok := resolveSymbol(symbols, e.Sym)
			if !ok {
				logSkip(log, e.Type, name, annotateReason(im, e.Offset, elf.EM_X86_64, "unresolved symbol"))
				continue
			}
			v := uint32(int64(s) + e.Addend - int64(target))
			if err := writeU32(im, e.Offset, v); err != nil {
				return err
			}
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			s, name, ok := resolveSymbol(symbols, e.Sym)
			if !ok {
				logSkip(log, e.Type, name, annotateReason(im, e.Offset, elf.EM_X86_64, "unresolved symbol"))
				continue
			}
			if err := writeU64(im, e.Offset, s); err != nil {
				return err
			}
		case elf.R_X86_64_RELATIVE:
			v := uint64(int64(im.Base()) + e.Addend)
			if err := writeU64(im, e.Offset, v); err != nil {
				return err
			}
		default:
			if Debug {
				panic(fmt.Sprintf("reloc: unimplemented x86_64 relocation type %d", e.Type))
			}
			logSkip(log, e.Type, "", annotateReason(im, e.Offset, elf.EM_X86_64, "unimplemented type"))
		}
	}
	return nil
}

func applyAArch64(im Image, entries []elfreader.RelocEntry, symbols Symbols, log func(uint32, string, string)) error {
	for _, e := range entries {
		switch elf.R_AARCH64(e.Type) {
		case elf.R_AARCH64_ABS64, elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
			s, name, ok := resolveSymbol(symbols, e.Sym)
			if !ok {
				logSkip(log, e.Type, name, annotateReason(im, e.Offset, elf.EM_AARCH64, "unresolved symbol"))
				continue
			}
			if err := writeU64(im, e.Offset, s+uint64(e.Addend)); err != nil {
				return err
			}
		case elf.R_AARCH64_RELATIVE:
			v := uint64(int64(im.Base()) + e.Addend)
			if err := writeU64(im, e.Offset, v); err != nil {
				return err
			}
		default:
			if Debug {
				panic(fmt.Sprintf("reloc: unimplemented aarch64 relocation type %d", e.Type))
			}
			logSkip(log, e.Type, "", annotateReason(im, e.Offset, elf.EM_AARCH64, "unimplemented type"))
		}
	}
	return nil
}

func logSkip(log func(uint32, string, string), relType uint32, name, reason string) {
	if log != nil {
		log(relType, name, reason)
	}
}
