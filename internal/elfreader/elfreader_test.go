package elfreader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalSO assembles a tiny, byte-accurate ELF64 ET_DYN x86_64
// shared object: one PT_LOAD segment and a .dynstr/.dynsym/.dynamic
// section triple, enough to exercise Open, LoadSegments,
// DynamicTags and DynamicSymbols without a real linker.
func buildMinimalSO(t *testing.T, machine elf.Machine, etype elf.Type) []byte {
	t.Helper()

	const (
		ehsize = 64
		phsize = 56
		shsize = 64
	)

	dynstr := []byte("\x00libneeded.so\x00sym\x00")
	symNameOff := uint32(len("\x00libneeded.so\x00"))

	// one real dynsym entry ("sym") plus the mandatory null entry.
	dynsym := make([]byte, 24*2)
	binary.LittleEndian.PutUint32(dynsym[24:], symNameOff)
	dynsym[24+4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
	binary.LittleEndian.PutUint64(dynsym[24+8:], 0x1000)

	// .dynamic: one DT_NEEDED pointing at "libneeded.so", then DT_NULL.
	dyn := make([]byte, 16*2)
	binary.LittleEndian.PutUint64(dyn[0:], uint64(elf.DT_NEEDED))
	binary.LittleEndian.PutUint64(dyn[8:], 1) // offset of "libneeded.so" in dynstr

	shstrtab := []byte("\x00.dynstr\x00.dynsym\x00.dynamic\x00.shstrtab\x00")
	off := func(name string) uint32 {
		i := bytes.Index(shstrtab, []byte(name+"\x00"))
		if i < 0 {
			t.Fatalf("name %q not in shstrtab", name)
		}
		return uint32(i)
	}

	// layout: ehdr, phdr(s), dynstr, dynsym, dynamic, shstrtab, shdrs
	phoff := uint64(ehsize)
	dynstrOff := phoff + phsize
	dynsymOff := dynstrOff + uint64(len(dynstr))
	dynOff := dynsymOff + uint64(len(dynsym))
	shstrOff := dynOff + uint64(len(dyn))
	shoff := shstrOff + uint64(len(shstrtab))

	var buf bytes.Buffer

	// e_ident
	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)

	le := binary.LittleEndian
	w16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	w32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }
	w64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); buf.Write(b[:]) }

	w16(uint16(etype))
	w16(uint16(machine))
	w32(1)        // e_version
	w64(0)        // e_entry
	w64(phoff)     // e_phoff
	w64(shoff)     // e_shoff
	w32(0)        // e_flags
	w16(ehsize)
	w16(phsize)
	w16(1) // e_phnum
	w16(shsize)
	w16(5) // e_shnum: null, dynstr, dynsym, dynamic, shstrtab
	w16(4) // e_shstrndx

	// program header: one PT_LOAD spanning the whole file, R+X
	w32(uint32(elf.PT_LOAD))
	w32(uint32(elf.PF_R | elf.PF_X))
	w64(0)                 // p_offset
	w64(0)                 // p_vaddr
	w64(0)                 // p_paddr
	w64(shoff + uint64(5*shsize)) // p_filesz: whole file
	w64(shoff + uint64(5*shsize)) // p_memsz
	w64(0x1000)             // p_align

	if uint64(buf.Len()) != dynstrOff {
		t.Fatalf("layout drift: buf=%d want dynstrOff=%d", buf.Len(), dynstrOff)
	}
	buf.Write(dynstr)
	buf.Write(dynsym)
	buf.Write(dyn)
	buf.Write(shstrtab)

	// section headers
	wshdr := func(name uint32, typ elf.SectionType, addr, fileoff, size uint64, link, info uint32, entsize uint64) {
		w32(name)
		w32(uint32(typ))
		w64(0) // sh_flags
		w64(addr)
		w64(fileoff)
		w64(size)
		w32(link)
		w32(info)
		w64(1) // sh_addralign
		w64(entsize)
	}
	// 0: null section
	wshdr(0, 0, 0, 0, 0, 0, 0, 0)
	// 1: .dynstr
	wshdr(off(".dynstr"), elf.SHT_STRTAB, 0, dynstrOff, uint64(len(dynstr)), 0, 0, 0)
	// 2: .dynsym, links to .dynstr (index 1)
	wshdr(off(".dynsym"), elf.SHT_DYNSYM, 0, dynsymOff, uint64(len(dynsym)), 1, 1, 24)
	// 3: .dynamic, links to .dynstr
	wshdr(off(".dynamic"), elf.SHT_DYNAMIC, 0, dynOff, uint64(len(dyn)), 1, 0, 16)
	// 4: .shstrtab
	wshdr(off(".shstrtab"), elf.SHT_STRTAB, 0, shstrOff, uint64(len(shstrtab)), 0, 0, 0)

	return buf.Bytes()
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "lib.so")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestOpenAcceptsDynamicX8664(t *testing.T) {
	data := buildMinimalSO(t, elf.EM_X86_64, elf.ET_DYN)
	path := writeTemp(t, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	segs := f.LoadSegments()
	if len(segs) != 1 {
		t.Fatalf("LoadSegments: got %d, want 1", len(segs))
	}

	needed, err := f.DynamicTags(elf.DT_NEEDED)
	if err != nil {
		t.Fatalf("DynamicTags: %v", err)
	}
	if len(needed) != 1 || needed[0] != "libneeded.so" {
		t.Fatalf("DynamicTags(DT_NEEDED) = %v, want [libneeded.so]", needed)
	}

	syms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatalf("DynamicSymbols: %v", err)
	}
	if len(syms) != 2 {
		t.Fatalf("DynamicSymbols: got %d entries, want 2 (null + sym)", len(syms))
	}
	if syms[0].Index != 0 || syms[0].Name != "" {
		t.Fatalf("index 0 should be the STN_UNDEF placeholder, got %+v", syms[0])
	}
	if syms[1].Name != "sym" || syms[1].Value != 0x1000 {
		t.Fatalf("syms[1] = %+v, want name=sym value=0x1000", syms[1])
	}
}

func TestOpenRejectsNonDynamic(t *testing.T) {
	data := buildMinimalSO(t, elf.EM_X86_64, elf.ET_EXEC)
	path := writeTemp(t, data)

	if _, err := Open(path); err == nil {
		t.Fatalf("Open should reject ET_EXEC")
	}
}

func TestOpenRejectsUnsupportedMachine(t *testing.T) {
	data := buildMinimalSO(t, elf.EM_386, elf.ET_DYN)
	path := writeTemp(t, data)

	if _, err := Open(path); err == nil {
		t.Fatalf("Open should reject unsupported machine")
	}
}
