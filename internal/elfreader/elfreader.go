// Package elfreader is a thin convenience layer over the standard
// library's debug/elf package, shaping the parts of a shared object
// the rest of this module needs: program headers, dynamic tags, hash
// tables, dynamic symbols and relocation sections.
package elfreader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors Open wraps its failures in, so callers can
// distinguish "not a shared object" from an I/O or parse failure with
// errors.Is.
var (
	ErrNotDynamicObject   = errors.New("not a dynamic (ET_DYN) object")
	ErrUnsupportedMachine = errors.New("unsupported machine")
)

// File wraps an open ELF ET_DYN shared object.
type File struct {
	*elf.File
	Path string
}

// Open opens path and verifies it is a dynamic shared object for a
// supported architecture. Callers must Close the returned File.
func Open(path string) (*File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %q: %w", path, err)
	}
	if f.Type != elf.ET_DYN {
		f.Close()
		return nil, fmt.Errorf("%q: got %v: %w", path, f.Type, ErrNotDynamicObject)
	}
	switch f.Machine {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		f.Close()
		return nil, fmt.Errorf("%q: %v: %w", path, f.Machine, ErrUnsupportedMachine)
	}
	return &File{File: f, Path: path}, nil
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	return f.File.Close()
}

// LoadSegments returns every PT_LOAD program header, in file order.
func (f *File) LoadSegments() []*elf.Prog {
	var segs []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			segs = append(segs, p)
		}
	}
	return segs
}

// DynamicTags returns every value for a given dynamic tag (DT_NEEDED
// may repeat; DT_RUNPATH is normally singular).
func (f *File) DynamicTags(tag elf.DynTag) ([]string, error) {
	return f.File.DynString(tag)
}

// GNUHashSection returns the raw .gnu.hash section bytes, or nil if
// the object carries no such section.
func (f *File) GNUHashSection() []byte {
	return sectionBytes(f.File, ".gnu.hash")
}

// SysVHashSection returns the raw .hash section bytes, or nil if the
// object carries no such section.
func (f *File) SysVHashSection() []byte {
	return sectionBytes(f.File, ".hash")
}

func sectionBytes(f *elf.File, name string) []byte {
	sec := f.Section(name)
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return data
}

// DynSym is one entry of .dynsym, retaining its index for by-index
// lookup during relocation.
type DynSym struct {
	Index uint32
	elf.Symbol
}

// DynamicSymbols returns every entry of .dynsym, index-ordered
// (index 0 is the mandatory null symbol and is included so that
// by-index lookups can index directly into the slice).
func (f *File) DynamicSymbols() ([]DynSym, error) {
	syms, err := f.File.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("read dynsym: %w", err)
	}
	out := make([]DynSym, 0, len(syms)+1)
	out = append(out, DynSym{Index: 0}) // STN_UNDEF placeholder
	for i, s := range syms {
		out = append(out, DynSym{Index: uint32(i + 1), Symbol: s})
	}
	return out, nil
}

// RelocEntry is a normalised relocation record: target offset,
// relocation type, symbol index, and addend (0 for REL-form entries).
type RelocEntry struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// RelaSections returns the decoded entries of .rela.dyn and
// .rela.plt respectively (either may be empty if the section is
// absent). Entries are decoded in the Elf64_Rela layout; both
// supported machines (x86_64, aarch64) are 64-bit.
func (f *File) RelaSections() (dyn, plt []RelocEntry, err error) {
	dyn, err = f.relaSection(".rela.dyn")
	if err != nil {
		return nil, nil, err
	}
	plt, err = f.relaSection(".rela.plt")
	if err != nil {
		return nil, nil, err
	}
	return dyn, plt, nil
}

// RelSections returns the decoded entries of .rel.dyn and .rel.plt
// (no-addend form, used by some x86_64 toolchains and most 32-bit
// targets; included for completeness even though this module only
// targets 64-bit hosts).
func (f *File) RelSections() (dyn, plt []RelocEntry, err error) {
	dyn, err = f.relSection(".rel.dyn")
	if err != nil {
		return nil, nil, err
	}
	plt, err = f.relSection(".rel.plt")
	if err != nil {
		return nil, nil, err
	}
	return dyn, plt, nil
}

func (f *File) relaSection(name string) ([]RelocEntry, error) {
	data := sectionBytes(f.File, name)
	if len(data) == 0 {
		return nil, nil
	}
	const entsize = 24 // Elf64_Rela: r_offset, r_info, r_addend
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("%s: size %d not a multiple of %d", name, len(data), entsize)
	}
	order := byteOrder(f.File)
	out := make([]RelocEntry, 0, len(data)/entsize)
	for i := 0; i+entsize <= len(data); i += entsize {
		off := order.Uint64(data[i:])
		info := order.Uint64(data[i+8:])
		add := int64(order.Uint64(data[i+16:]))
		out = append(out, RelocEntry{
			Offset: off,
			Type:   uint32(info),
			Sym:    uint32(info >> 32),
			Addend: add,
		})
	}
	return out, nil
}

func (f *File) relSection(name string) ([]RelocEntry, error) {
	data := sectionBytes(f.File, name)
	if len(data) == 0 {
		return nil, nil
	}
	const entsize = 16 // Elf64_Rel: r_offset, r_info
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("%s: size %d not a multiple of %d", name, len(data), entsize)
	}
	order := byteOrder(f.File)
	out := make([]RelocEntry, 0, len(data)/entsize)
	for i := 0; i+entsize <= len(data); i += entsize {
		off := order.Uint64(data[i:])
		info := order.Uint64(data[i+8:])
		out = append(out, RelocEntry{
			Offset: off,
			Type:   uint32(info),
			Sym:    uint32(info >> 32),
		})
	}
	return out, nil
}

func byteOrder(f *elf.File) binary.ByteOrder {
	if f.ByteOrder == nil {
		return binary.LittleEndian
	}
	return f.ByteOrder
}

// GOTPLTAddress returns the virtual address of .got.plt, or 0 if the
// object carries no such section.
func (f *File) GOTPLTAddress() uint64 {
	sec := f.Section(".got.plt")
	if sec == nil {
		return 0
	}
	return sec.Addr
}
